// Package store persists ranked trajectory sets: a per-subject path.txt
// record file and an optional SQLite archive of every run.
package store

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"seegplan/internal/models"
)

// PathFileName is the per-subject record file. Its presence marks a
// subject as planned.
const PathFileName = "path.txt"

// ErrMalformedRecord is returned for a path file row that cannot be parsed.
var ErrMalformedRecord = errors.New("malformed trajectory record")

var columns = []string{
	"target", "rank", "margin_mm",
	"entry_i", "entry_j", "entry_k",
	"terminal_i", "terminal_j", "terminal_k",
	"dir_x", "dir_y", "dir_z",
}

// WritePathFile writes sets to path as tab-separated records, one row per
// trajectory in ranked order. A header row names the columns and every
// target is declared on a comment line ahead of its rows, so targets
// without a feasible trajectory are still recorded. The file is written to
// a temporary name and renamed, so a crashed run never leaves a partial
// path.txt behind.
func WritePathFile(path string, sets []models.TrajectorySet) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}

	if err := EncodeSets(f, sets); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// declaration formats the comment line announcing a target:
//
//	# target "hippocampus" 40 30 20 ranked 2
func declaration(set models.TrajectorySet) string {
	c := set.Target.Coord
	return fmt.Sprintf("%c target %s %d %d %d ranked %d\n",
		commentChar, strconv.Quote(set.Target.Name), c.I, c.J, c.K, set.Len())
}

const commentChar = '#'

// EncodeSets writes the record format to w.
func EncodeSets(w io.Writer, sets []models.TrajectorySet) error {
	bw := bufio.NewWriter(w)
	cw := csv.NewWriter(bw)
	cw.Comma = '\t'

	if err := cw.Write(columns); err != nil {
		return err
	}
	ff := func(x float64) string { return strconv.FormatFloat(x, 'f', 6, 64) }
	for _, set := range sets {
		if strings.HasPrefix(set.Target.Name, string(commentChar)) {
			return fmt.Errorf("target name %q must not start with %q", set.Target.Name, commentChar)
		}
		cw.Flush()
		if _, err := bw.WriteString(declaration(set)); err != nil {
			return err
		}
		for rank, t := range set.Trajectories {
			rec := []string{
				set.Target.Name, strconv.Itoa(rank), ff(t.Margin),
				strconv.Itoa(t.Entry.I), strconv.Itoa(t.Entry.J), strconv.Itoa(t.Entry.K),
				strconv.Itoa(t.Terminal.I), strconv.Itoa(t.Terminal.J), strconv.Itoa(t.Terminal.K),
				ff(t.Direction.X), ff(t.Direction.Y), ff(t.Direction.Z),
			}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to write trajectory records: %w", err)
	}
	return bw.Flush()
}

// ReadPathFile loads the sets written by WritePathFile. Targets appear in
// file order, including declared targets with no rows.
func ReadPathFile(path string) ([]models.TrajectorySet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeSets(f)
}

// DecodeSets parses the record format from r. Rows of an undeclared target
// start a new set. Ranks must count up from 0 within each target and a
// declared ranked count must match its rows.
func DecodeSets(r io.Reader) ([]models.TrajectorySet, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var sets []models.TrajectorySet
	index := make(map[string]int)
	declared := make(map[string]int)

	sc := bufio.NewScanner(bytes.NewReader(data))
	for line := 1; sc.Scan(); line++ {
		name, c, ranked, ok, err := parseDeclaration(sc.Text())
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedRecord, line, err)
		}
		if !ok {
			continue
		}
		if _, dup := index[name]; dup {
			return nil, fmt.Errorf("%w: line %d: target %q declared twice", ErrMalformedRecord, line, name)
		}
		index[name] = len(sets)
		declared[name] = ranked
		sets = append(sets, models.TrajectorySet{Target: models.TargetPoint{Name: name, Coord: c}})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = '\t'
	cr.Comment = commentChar
	cr.FieldsPerRecord = len(columns)

	header, err := cr.Read()
	if err == io.EOF {
		return sets, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if header[0] != columns[0] {
		return nil, fmt.Errorf("%w: missing header", ErrMalformedRecord)
	}

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
		}
		line, _ := cr.FieldPos(0)
		t, err := parseRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedRecord, line, err)
		}

		i, ok := index[rec[0]]
		if !ok {
			i = len(sets)
			index[rec[0]] = i
			sets = append(sets, models.TrajectorySet{Target: models.TargetPoint{Name: rec[0]}})
		}
		if rank, err := strconv.Atoi(rec[1]); err != nil || rank != sets[i].Len() {
			return nil, fmt.Errorf("%w: line %d: target %q rank %s out of sequence", ErrMalformedRecord, line, rec[0], rec[1])
		}
		sets[i].Trajectories = append(sets[i].Trajectories, t)
	}

	for _, set := range sets {
		if n, ok := declared[set.Target.Name]; ok && n != set.Len() {
			return nil, fmt.Errorf("%w: target %q declares %d trajectories, found %d", ErrMalformedRecord, set.Target.Name, n, set.Len())
		}
	}
	return sets, nil
}

// parseDeclaration reports ok for a target declaration line. Other comment
// lines and record lines are not declarations.
func parseDeclaration(line string) (name string, c models.Coord, ranked int, ok bool, err error) {
	rest, found := strings.CutPrefix(line, string(commentChar)+" target ")
	if !found {
		return "", c, 0, false, nil
	}
	q, err := strconv.QuotedPrefix(rest)
	if err != nil {
		return "", c, 0, false, fmt.Errorf("target name: %v", err)
	}
	name, err = strconv.Unquote(q)
	if err != nil {
		return "", c, 0, false, fmt.Errorf("target name: %v", err)
	}
	if _, err := fmt.Sscanf(rest[len(q):], " %d %d %d ranked %d", &c.I, &c.J, &c.K, &ranked); err != nil {
		return "", c, 0, false, fmt.Errorf("target %q: %v", name, err)
	}
	return name, c, ranked, true, nil
}

func parseRecord(rec []string) (models.Trajectory, error) {
	var ints [6]int
	for n, s := range rec[3:9] {
		v, err := strconv.Atoi(s)
		if err != nil {
			return models.Trajectory{}, err
		}
		ints[n] = v
	}
	var floats [4]float64
	for n, s := range []string{rec[2], rec[9], rec[10], rec[11]} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return models.Trajectory{}, err
		}
		floats[n] = v
	}
	return models.Trajectory{
		Margin:    floats[0],
		HasMargin: true,
		Entry:     models.Coord{I: ints[0], J: ints[1], K: ints[2]},
		Terminal:  models.Coord{I: ints[3], J: ints[4], K: ints[5]},
		Direction: r3.Vec{X: floats[1], Y: floats[2], Z: floats[3]},
	}, nil
}

// Exists reports whether a path file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
