package batch

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

var coordinateHeader = []string{
	"#Fields=1",
	"1) coordinates, coordinate, rectangular cartesian, real, #Components=3",
	"x. Value index=1, #Derivatives=0",
	"y. Value index=2, #Derivatives=0",
	"z. Value index=3, #Derivatives=0",
}

// exdata renders groups of xyz points in EX format, groups in the given order.
func exdata(groups ...groupPoints) string {
	var b strings.Builder
	b.WriteString(" EX Version: 2\n")
	id := 1
	for _, g := range groups {
		fmt.Fprintf(&b, " Group name: %s\n", g.name)
		for _, h := range coordinateHeader {
			fmt.Fprintf(&b, " %s\n", h)
		}
		for _, p := range g.points {
			fmt.Fprintf(&b, " Node: %d\n   %g %g %g\n", id, p[0], p[1], p[2])
			id++
		}
	}
	return b.String()
}

type groupPoints struct {
	name   string
	points [][3]float64
}

func writeExdata(t *testing.T, path string, groups ...groupPoints) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(exdata(groups...)), 0644))
}

// ---------------------------------------------------------------------------
// parsing
// ---------------------------------------------------------------------------

func TestReadPointSets(t *testing.T) {
	input := exdata(
		groupPoints{name: "left lung", points: [][3]float64{{1, 2, 3}, {4, 5, 6}}},
		groupPoints{name: "right lung", points: [][3]float64{{-1, 0, 0.5}}},
	)

	sets, err := ReadPointSets(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, sets, 2)

	assert.Equal(t, "left lung", sets[0].Name)
	assert.Equal(t, []Node{{ID: 1, Values: []float64{1, 2, 3}}, {ID: 2, Values: []float64{4, 5, 6}}}, sets[0].Nodes)
	assert.Equal(t, []r3.Vec{{X: -1, Y: 0, Z: 0.5}}, sets[1].Coordinates())
	assert.Equal(t, []string{"left lung", "right lung"}, GroupNames(sets))
}

func TestReadPointSets_ValuesAcrossLines(t *testing.T) {
	input := " Group name: marker\n" + strings.Join(coordinateHeader, "\n") + "\n Node: 7\n 1.5\n 2.5 3.5\n"

	sets, err := ReadPointSets(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, []Node{{ID: 7, Values: []float64{1.5, 2.5, 3.5}}}, sets[0].Nodes)
}

func TestReadPointSets_HeaderCarriesToNextGroup(t *testing.T) {
	input := " Group name: a\n" + strings.Join(coordinateHeader, "\n") +
		"\n Node: 1\n 1 1 1\n Group name: b\n Node: 2\n 2 2 2\n"

	sets, err := ReadPointSets(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, sets, 2)
	assert.Equal(t, sets[0].Header, sets[1].Header)
	assert.Len(t, sets[1].Nodes, 1)
}

func TestReadPointSets_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "node before header", input: " Node: 1\n 1 2 3\n"},
		{name: "non-numeric value", input: strings.Join(coordinateHeader, "\n") + "\n Node: 1\n 1 two 3\n"},
		{name: "too many values", input: strings.Join(coordinateHeader, "\n") + "\n Node: 1\n 1 2 3 4\n"},
		{name: "truncated node", input: strings.Join(coordinateHeader, "\n") + "\n Node: 1\n 1 2\n"},
		{name: "garbage", input: " Group name: a\n Node: x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadPointSets(strings.NewReader(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestWritePointSets_RoundTrip(t *testing.T) {
	sets := []*PointSet{
		{Name: "upper", Header: coordinateHeader, Nodes: []Node{{ID: 1, Values: []float64{0.1, 1e-9, 12345.678}}}},
		{Name: "lower", Header: coordinateHeader, Nodes: []Node{{ID: 2, Values: []float64{-3, 0, 7}}}},
	}

	var buf bytes.Buffer
	require.NoError(t, WritePointSets(&buf, sets))

	decoded, err := ReadPointSets(&buf)
	require.NoError(t, err)
	if diff := cmp.Diff(sets, decoded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

// ---------------------------------------------------------------------------
// combining
// ---------------------------------------------------------------------------

func TestCombineData_RenamesAndRenumbers(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.exdata")
	b := filepath.Join(dir, "b.exdata")
	writeExdata(t, a, groupPoints{name: "LL surface", points: [][3]float64{{1, 0, 0}, {2, 0, 0}}})
	writeExdata(t, b,
		groupPoints{name: "left lung", points: [][3]float64{{3, 0, 0}}},
		groupPoints{name: "trachea", points: [][3]float64{{0, 0, 9}}},
	)
	out := filepath.Join(dir, "combined.exdata")

	combined, err := CombineData([]string{a, b}, map[string]string{"LL surface": "left lung"}, out)
	require.NoError(t, err)
	require.Len(t, combined, 2)

	assert.Equal(t, "left lung", combined[0].Name)
	assert.Len(t, combined[0].Nodes, 3)
	assert.Equal(t, "trachea", combined[1].Name)

	var ids []int
	for _, s := range combined {
		for _, n := range s.Nodes {
			ids = append(ids, n.ID)
		}
	}
	assert.Equal(t, []int{1, 2, 3, 4}, ids)

	reread, err := ReadPointSetFile(out)
	require.NoError(t, err)
	if diff := cmp.Diff(combined, reread); diff != "" {
		t.Errorf("written file mismatch (-want +got):\n%s", diff)
	}
}

func TestCombinePointSets_IncompatibleHeaders(t *testing.T) {
	other := []string{"#Fields=1", "1) coordinates, coordinate, rectangular cartesian, real, #Components=2"}
	_, err := CombinePointSets([][]*PointSet{
		{{Name: "a", Header: coordinateHeader}},
		{{Name: "a", Header: other}},
	}, nil)
	assert.Error(t, err)
}

func TestCombineData_MissingInput(t *testing.T) {
	_, err := CombineData([]string{filepath.Join(t.TempDir(), "missing.exdata")}, nil, filepath.Join(t.TempDir(), "out.exdata"))
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// statistics
// ---------------------------------------------------------------------------

func TestPointSet_CentroidAndSpread(t *testing.T) {
	set := &PointSet{Header: coordinateHeader, Nodes: []Node{
		{ID: 1, Values: []float64{-1, 0, 0}},
		{ID: 2, Values: []float64{1, 0, 0}},
		{ID: 3, Values: []float64{0, -1, 2}},
		{ID: 4, Values: []float64{0, 1, 2}},
	}}

	assert.Equal(t, r3.Vec{X: 0, Y: 0, Z: 1}, set.Centroid())
	assert.InDelta(t, 1.4142, set.Spread(), 1e-4)
}

func TestPointSet_NoCoordinates(t *testing.T) {
	set := &PointSet{Header: []string{"#Fields=1", "1) weight, field, rectangular cartesian, real, #Components=1"},
		Nodes: []Node{{ID: 1, Values: []float64{3}}}}

	assert.Nil(t, set.Coordinates())
	assert.Equal(t, 0.0, set.Spread())
}
