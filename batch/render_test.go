package batch

import (
	"bytes"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/batchfit/fit"
)

func testReport() fit.Report {
	return fit.Report{
		Groups:             map[string]float64{"left lung": 0.8, "right lung": 0.4, "trachea": 0},
		TotalRMS:           0.55,
		MaxProjectionError: 1.6,
	}
}

func TestRMSChart_Bars(t *testing.T) {
	c := NewRMSChart("subj1", testReport())
	bars := c.bars()

	require.Len(t, bars, 4)
	assert.Equal(t, "left lung", bars[0].label)
	assert.Equal(t, fit.TotalKey, bars[3].label)
	assert.Equal(t, totalBarColor, bars[3].color)

	w, h := c.size()
	assert.Equal(t, 2*c.Padding+4*c.BarWidth+3*c.BarGap, w)
	assert.Equal(t, 2*c.Padding+c.PlotHeight+c.LabelSpace, h)
}

func TestRMSChart_RenderSVG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRMSChart("subj1", testReport()).RenderSVG(&buf))

	out := buf.String()
	assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "<svg"), "output should start with <svg")
	assert.Contains(t, out, "</svg>")
	assert.Contains(t, out, "<path")
}

func TestRMSChart_RenderPNG(t *testing.T) {
	c := NewRMSChart("subj1", testReport())
	var buf bytes.Buffer
	require.NoError(t, c.RenderPNG(&buf))

	img, err := png.Decode(&buf)
	require.NoError(t, err)
	w, h := c.size()
	dpmm := c.Resolution.DPMM()
	assert.InDelta(t, w*dpmm, float64(img.Bounds().Dx()), 1)
	assert.InDelta(t, h*dpmm, float64(img.Bounds().Dy()), 1)
}

func TestRMSChart_AllZero(t *testing.T) {
	var buf bytes.Buffer
	err := NewRMSChart("", fit.Report{}).RenderSVG(&buf)
	assert.NoError(t, err)
}

func TestPreviewBounds(t *testing.T) {
	sets := []*PointSet{
		{Header: coordinateHeader, Nodes: []Node{{ID: 1, Values: []float64{-2, 5, 0}}, {ID: 2, Values: []float64{3, 1, 9}}}},
		{Header: coordinateHeader, Nodes: []Node{{ID: 3, Values: []float64{0, -4, 1}}}},
	}

	b, ok := PreviewBounds(sets)
	require.True(t, ok)
	assert.Equal(t, -2.0, b.Min[0])
	assert.Equal(t, -4.0, b.Min[1])
	assert.Equal(t, 3.0, b.Max[0])
	assert.Equal(t, 5.0, b.Max[1])

	_, ok = PreviewBounds(nil)
	assert.False(t, ok)
}

func TestRenderPreview(t *testing.T) {
	sets := []*PointSet{
		{Name: "a", Header: coordinateHeader, Nodes: []Node{{ID: 1, Values: []float64{0, 0, 0}}, {ID: 2, Values: []float64{10, 5, 0}}}},
	}
	var buf bytes.Buffer
	require.NoError(t, RenderPreview(&buf, sets, 100))
	assert.Contains(t, buf.String(), "<svg")

	single := []*PointSet{{Header: coordinateHeader, Nodes: []Node{{ID: 1, Values: []float64{1, 1, 1}}}}}
	buf.Reset()
	assert.NoError(t, RenderPreview(&buf, single, 100))

	assert.Error(t, RenderPreview(&buf, nil, 100))
}
