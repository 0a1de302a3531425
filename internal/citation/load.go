package citation

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

const maxLineSize = 1 << 20

// Load reads <dir>/<name>.content and <dir>/<name>.cites.
//
// Content lines are "<paper id> <feature>... <class label>", cites lines are
// "<cited paper id> <citing paper id>". Citations of papers that are not in
// the content file are skipped.
func Load(dir, name string, split SplitConfig) (*Dataset, error) {
	content, err := os.Open(filepath.Join(dir, name+".content"))
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s content", name)
	}
	defer content.Close()

	cites, err := os.Open(filepath.Join(dir, name+".cites"))
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s cites", name)
	}
	defer cites.Close()

	return Read(name, content, cites, split)
}

// Read is Load over arbitrary readers.
func Read(name string, content, cites io.Reader, split SplitConfig) (*Dataset, error) {
	ids, features, classNames, err := readContent(content)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s content", name)
	}
	edges, err := readCites(cites, ids)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s cites", name)
	}

	classes := uniqueSorted(classNames)
	classIndex := make(map[string]int, len(classes))
	for i, c := range classes {
		classIndex[c] = i
	}
	labels := make([]int, len(classNames))
	for i, c := range classNames {
		labels[i] = classIndex[c]
	}

	r, c := features.Dims()
	klog.Infof("loaded %s: %d nodes, %d features, %d classes, %d edges", name, r, c, len(classes), len(edges))
	return build(name, features, labels, classes, edges, split)
}

func readContent(r io.Reader) (map[string]int, *mat.Dense, []string, error) {
	ids := make(map[string]int)
	var (
		backing  []float64
		classes  []string
		numFeats = -1
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 3 {
			return nil, nil, nil, errors.Errorf("line %d: want id, features and label, got %d fields", line, len(fields))
		}
		if numFeats < 0 {
			numFeats = len(fields) - 2
		} else if len(fields)-2 != numFeats {
			return nil, nil, nil, errors.Errorf("line %d: %d features, previous lines had %d", line, len(fields)-2, numFeats)
		}

		id := fields[0]
		if _, dup := ids[id]; dup {
			return nil, nil, nil, errors.Errorf("line %d: duplicate paper id %q", line, id)
		}
		ids[id] = len(classes)
		for _, f := range fields[1 : len(fields)-1] {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, nil, nil, errors.Wrapf(err, "line %d", line)
			}
			backing = append(backing, v)
		}
		classes = append(classes, fields[len(fields)-1])
	}
	if err := sc.Err(); err != nil {
		return nil, nil, nil, err
	}
	if len(classes) == 0 {
		return nil, nil, nil, errors.New("no papers")
	}
	return ids, mat.NewDense(len(classes), numFeats, backing), classes, nil
}

func readCites(r io.Reader, ids map[string]int) ([][2]int, error) {
	var (
		edges   [][2]int
		skipped int
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, errors.Errorf("line %d: want 2 paper ids, got %d fields", line, len(fields))
		}
		cited, ok1 := ids[fields[0]]
		citing, ok2 := ids[fields[1]]
		if !ok1 || !ok2 {
			skipped++
			continue
		}
		edges = append(edges, [2]int{citing, cited})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if skipped > 0 {
		klog.V(1).Infof("skipped %d citations of unknown papers", skipped)
	}
	return edges, nil
}

func uniqueSorted(values []string) []string {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
