package batch

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

// Node is one data point: an identifier and its field values in header order.
type Node struct {
	ID     int
	Values []float64
}

// PointSet is a named group of data points sharing one field header.
type PointSet struct {
	Name   string
	Header []string // field definition lines, from "#Fields=" up to the first node
	Nodes  []Node
}

var (
	groupLine      = regexp.MustCompile(`^\s*Group name:\s*(.*?)\s*$`)
	fieldsLine     = regexp.MustCompile(`^\s*#Fields=(\d+)`)
	fieldDefLine   = regexp.MustCompile(`^\s*\d+\)\s*([^,]+),.*#Components=(\d+)`)
	nodeLine       = regexp.MustCompile(`^\s*Node:\s*(\d+)\s*$`)
	preambleLine   = regexp.MustCompile(`^\s*(EX Version:|Region:|Shape\.)`)
	coordinatesKey = "coordinates"
)

// valueCount returns the number of values each node carries under header.
func valueCount(header []string) int {
	n := 0
	for _, line := range header {
		if m := fieldDefLine.FindStringSubmatch(line); m != nil {
			c, _ := strconv.Atoi(m[2])
			n += c
		}
	}
	return n
}

// coordinateOffset returns the index of the first coordinate value, or -1
// when the header has no coordinates field.
func coordinateOffset(header []string) int {
	n := 0
	for _, line := range header {
		m := fieldDefLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if strings.TrimSpace(m[1]) == coordinatesKey {
			return n
		}
		c, _ := strconv.Atoi(m[2])
		n += c
	}
	return -1
}

// ReadPointSets parses EX-format point data. Nodes that appear before any
// group line belong to a set with an empty name. Only numeric field values
// are supported.
func ReadPointSets(r io.Reader) ([]*PointSet, error) {
	var (
		sets     []*PointSet
		current  *PointSet
		inHeader bool
		node     *Node
		want     int
	)
	ensureSet := func() *PointSet {
		if current == nil {
			current = &PointSet{}
			sets = append(sets, current)
		}
		return current
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "!") {
			continue
		}

		if node != nil && len(node.Values) < want {
			for _, tok := range strings.Fields(trimmed) {
				v, err := strconv.ParseFloat(tok, 64)
				if err != nil {
					return nil, fmt.Errorf("line %d: node %d: non-numeric value %q", lineNo, node.ID, tok)
				}
				node.Values = append(node.Values, v)
			}
			if len(node.Values) > want {
				return nil, fmt.Errorf("line %d: node %d: %d values, want %d", lineNo, node.ID, len(node.Values), want)
			}
			if len(node.Values) == want {
				current.Nodes = append(current.Nodes, *node)
				node = nil
			}
			continue
		}

		switch {
		case groupLine.MatchString(line):
			if node != nil {
				return nil, fmt.Errorf("line %d: node %d is incomplete", lineNo, node.ID)
			}
			next := &PointSet{Name: groupLine.FindStringSubmatch(line)[1]}
			if current != nil {
				// a header stays in force until the next "#Fields=" line
				next.Header = append([]string(nil), current.Header...)
			}
			current = next
			sets = append(sets, current)
			inHeader = false
		case fieldsLine.MatchString(line):
			set := ensureSet()
			set.Header = []string{trimmed}
			inHeader = true
		case nodeLine.MatchString(line):
			set := ensureSet()
			if len(set.Header) == 0 {
				return nil, fmt.Errorf("line %d: node before field header", lineNo)
			}
			inHeader = false
			id, _ := strconv.Atoi(nodeLine.FindStringSubmatch(line)[1])
			want = valueCount(set.Header)
			node = &Node{ID: id, Values: make([]float64, 0, want)}
			if want == 0 {
				set.Nodes = append(set.Nodes, *node)
				node = nil
			}
		case preambleLine.MatchString(line):
		case inHeader:
			current.Header = append(current.Header, trimmed)
		default:
			return nil, fmt.Errorf("line %d: unexpected %q", lineNo, trimmed)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if node != nil {
		return nil, fmt.Errorf("node %d is incomplete at end of input", node.ID)
	}
	return sets, nil
}

// WritePointSets writes sets in EX format.
func WritePointSets(w io.Writer, sets []*PointSet) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, " EX Version: 2")
	fmt.Fprintln(bw, " Region: /")
	for _, set := range sets {
		if set.Name != "" {
			fmt.Fprintf(bw, " Group name: %s\n", set.Name)
		}
		for _, line := range set.Header {
			fmt.Fprintf(bw, " %s\n", line)
		}
		for _, n := range set.Nodes {
			fmt.Fprintf(bw, " Node: %12d\n", n.ID)
			parts := make([]string, len(n.Values))
			for i, v := range n.Values {
				parts[i] = strconv.FormatFloat(v, 'e', -1, 64)
			}
			fmt.Fprintf(bw, "  %s\n", strings.Join(parts, "  "))
		}
	}
	return bw.Flush()
}

// ReadPointSetFile parses an EX data file.
func ReadPointSetFile(path string) ([]*PointSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sets, err := ReadPointSets(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sets, nil
}

// CombinePointSets merges sets from several files into one list. Group names
// found in groupMap are renamed; sets that end up with the same name are
// merged and must share a field header. Nodes are renumbered from 1 in output
// order.
func CombinePointSets(inputs [][]*PointSet, groupMap map[string]string) ([]*PointSet, error) {
	byName := make(map[string]*PointSet)
	var order []string
	for _, sets := range inputs {
		for _, set := range sets {
			name := set.Name
			if mapped, ok := groupMap[name]; ok {
				name = mapped
			}
			dst, ok := byName[name]
			if !ok {
				dst = &PointSet{Name: name, Header: append([]string(nil), set.Header...)}
				byName[name] = dst
				order = append(order, name)
			} else if !sameHeader(dst.Header, set.Header) {
				return nil, fmt.Errorf("group %q: incompatible field headers", name)
			}
			for _, n := range set.Nodes {
				dst.Nodes = append(dst.Nodes, Node{Values: append([]float64(nil), n.Values...)})
			}
		}
	}

	out := make([]*PointSet, 0, len(order))
	id := 1
	for _, name := range order {
		set := byName[name]
		for i := range set.Nodes {
			set.Nodes[i].ID = id
			id++
		}
		out = append(out, set)
	}
	return out, nil
}

func sameHeader(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if strings.Join(strings.Fields(a[i]), " ") != strings.Join(strings.Fields(b[i]), " ") {
			return false
		}
	}
	return true
}

// CombineData reads every file in paths, merges them with CombinePointSets
// and writes the result to dst.
func CombineData(paths []string, groupMap map[string]string, dst string) ([]*PointSet, error) {
	inputs := make([][]*PointSet, 0, len(paths))
	for _, p := range paths {
		sets, err := ReadPointSetFile(p)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, sets)
	}
	combined, err := CombinePointSets(inputs, groupMap)
	if err != nil {
		return nil, err
	}

	f, err := os.Create(dst)
	if err != nil {
		return nil, err
	}
	if err := WritePointSets(f, combined); err != nil {
		f.Close()
		return nil, err
	}
	return combined, f.Close()
}

// Coordinates returns the xyz position of each node. Sets without a
// coordinates field return nil; fewer than three components are zero-padded.
func (s *PointSet) Coordinates() []r3.Vec {
	off := coordinateOffset(s.Header)
	if off < 0 {
		return nil
	}
	out := make([]r3.Vec, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		var xyz [3]float64
		for i := 0; i < 3 && off+i < len(n.Values); i++ {
			xyz[i] = n.Values[off+i]
		}
		out = append(out, r3.Vec{X: xyz[0], Y: xyz[1], Z: xyz[2]})
	}
	return out
}

// Centroid is the mean node position.
func (s *PointSet) Centroid() r3.Vec {
	pts := s.Coordinates()
	if len(pts) == 0 {
		return r3.Vec{}
	}
	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	zs := make([]float64, len(pts))
	for i, p := range pts {
		xs[i], ys[i], zs[i] = p.X, p.Y, p.Z
	}
	return r3.Vec{X: stat.Mean(xs, nil), Y: stat.Mean(ys, nil), Z: stat.Mean(zs, nil)}
}

// Spread is the RMS distance of the nodes from their centroid.
func (s *PointSet) Spread() float64 {
	pts := s.Coordinates()
	if len(pts) == 0 {
		return 0
	}
	c := s.Centroid()
	sq := make([]float64, len(pts))
	for i, p := range pts {
		d := r3.Sub(p, c)
		sq[i] = r3.Dot(d, d)
	}
	return math.Sqrt(stat.Mean(sq, nil))
}

// GroupNames returns the sorted non-empty set names.
func GroupNames(sets []*PointSet) []string {
	var names []string
	for _, s := range sets {
		if s.Name != "" {
			names = append(names, s.Name)
		}
	}
	sort.Strings(names)
	return names
}
