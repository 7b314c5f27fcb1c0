package nodes

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/songzhibin97/dataflow-engine/node"
	"github.com/songzhibin97/dataflow-engine/types"
)

const (
	plotWidth  = 640
	plotHeight = 400
	plotMargin = 32
)

var (
	plotBackground = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	plotAxis       = color.RGBA{R: 64, G: 64, B: 64, A: 255}
	plotInk        = color.RGBA{R: 31, G: 119, B: 180, A: 255}
)

func init() {
	node.RegisterTyped("PlotNode", func(cfg *node.GlobalConfig, id string, p *PlotParams) (node.Node, error) {
		return &PlotNode{Base: node.NewBase(cfg, id, "PlotNode", node.ParamMap(p)), p: *p}, nil
	})
}

// PlotParams selects the plotted columns and chart kind.
type PlotParams struct {
	XCol     string `json:"x_col"`
	YCol     string `json:"y_col"`
	PlotType string `json:"plot_type"`
	Title    string `json:"title,omitempty"`
}

func (p *PlotParams) Validate() error {
	perr := &node.ParameterError{}
	required(perr, "x_col", p.XCol)
	required(perr, "y_col", p.YCol)
	oneOf(perr, "plot_type", p.PlotType, "line", "scatter", "bar")
	return perr.OrNil()
}

// PlotNode renders two numeric columns into a PNG stored in the blob store
// and outputs its handle on port "plot". The blob key is derived from the
// image content so identical inputs reuse the same blob.
type PlotNode struct {
	node.Base
	p PlotParams
}

func (n *PlotNode) PortDef() ([]node.InputPort, []node.OutputPort) {
	num := []types.ColType{types.ColInt, types.ColFloat}
	return []node.InputPort{{Name: "table", Accept: types.AcceptTable(map[string][]types.ColType{n.p.XCol: num, n.p.YCol: num})}},
		[]node.OutputPort{{Name: "plot"}}
}

func (n *PlotNode) InferOutputSchemas(map[string]types.Schema) (map[string]types.Schema, error) {
	return map[string]types.Schema{"plot": types.FileOf(types.FileSchema{Format: types.FormatPNG})}, nil
}

func (n *PlotNode) Hint(in map[string]types.Schema) map[string]any {
	return columnsHint(in, "table", types.ColInt, types.ColFloat)
}

func (n *PlotNode) Process(ctx context.Context, in map[string]types.Value) (map[string]types.Value, error) {
	cfg := n.Config()
	if cfg == nil || cfg.Blobs == nil {
		return nil, node.Errorf("no blob store configured")
	}
	t := in["table"].(*types.Table)
	var xs, ys []float64
	for i := 0; i < t.NumRows(); i++ {
		x, y := t.Cell(i, n.p.XCol), t.Cell(i, n.p.YCol)
		if x == nil || y == nil {
			continue
		}
		fx, _ := types.NormalizeCell(types.ColFloat, x)
		fy, _ := types.NormalizeCell(types.ColFloat, y)
		if !finite(fx.(float64)) || !finite(fy.(float64)) {
			continue
		}
		xs = append(xs, fx.(float64))
		ys = append(ys, fy.(float64))
	}

	img, err := n.render(ctx, xs, ys)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, node.Errorf("encoding plot: %v", err)
	}
	data := buf.Bytes()
	key := cfg.ProjectID + "/" + uuid.NewSHA1(uuid.NameSpaceOID, data).String() + ".png"
	if err := cfg.Blobs.Put(ctx, key, data); err != nil {
		return nil, node.Errorf("storing plot: %v", err)
	}
	name := n.p.Title
	if name == "" {
		name = n.ID()
	}
	cfg.Log().Debug("plot stored", zap.String("node_id", n.ID()), zap.String("key", key), zap.Int("size", len(data)))
	return map[string]types.Value{"plot": types.FileHandle{
		Key:      key,
		Filename: name + ".png",
		Format:   types.FormatPNG,
		Size:     int64(len(data)),
	}}, nil
}

// render draws the chart. Points are clamped to the canvas.
func (n *PlotNode) render(ctx context.Context, xs, ys []float64) (*image.RGBA, error) {
	img := image.NewRGBA(image.Rect(0, 0, plotWidth, plotHeight))
	for y := 0; y < plotHeight; y++ {
		for x := 0; x < plotWidth; x++ {
			img.Set(x, y, plotBackground)
		}
	}
	x0, y0 := plotMargin, plotHeight-plotMargin
	drawLine(img, x0, y0, plotWidth-plotMargin, y0, plotAxis)
	drawLine(img, x0, y0, x0, plotMargin, plotAxis)
	if len(xs) == 0 {
		return img, nil
	}

	minX, maxX := bounds(xs)
	minY, maxY := bounds(ys)
	if n.p.PlotType == "bar" {
		minY = math.Min(minY, 0)
	}
	px := func(v float64) int { return x0 + scale(v, minX, maxX, plotWidth-2*plotMargin) }
	py := func(v float64) int { return y0 - scale(v, minY, maxY, plotHeight-2*plotMargin) }

	for i := range xs {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		switch n.p.PlotType {
		case "line":
			if i > 0 {
				drawLine(img, px(xs[i-1]), py(ys[i-1]), px(xs[i]), py(ys[i]), plotInk)
			} else if len(xs) == 1 {
				fillRect(img, px(xs[0])-1, py(ys[0])-1, px(xs[0])+1, py(ys[0])+1, plotInk)
			}
		case "scatter":
			fillRect(img, px(xs[i])-2, py(ys[i])-2, px(xs[i])+2, py(ys[i])+2, plotInk)
		case "bar":
			half := (plotWidth - 2*plotMargin) / (2 * (len(xs) + 1))
			if half < 1 {
				half = 1
			}
			base := py(math.Max(minY, 0))
			fillRect(img, px(xs[i])-half+1, py(ys[i]), px(xs[i])+half-1, base, plotInk)
		}
	}
	return img, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func bounds(vs []float64) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range vs {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	return lo, hi
}

// scale maps v from [lo, hi] onto [0, span].
func scale(v, lo, hi float64, span int) int {
	f := (v - lo) / (hi - lo) * float64(span)
	if hi == lo || !finite(f) {
		return span / 2
	}
	return int(math.Round(math.Max(0, math.Min(f, float64(span)))))
}

// drawLine rasterizes a segment with Bresenham's algorithm.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.Color) {
	dx, dy := abs(x1-x0), -abs(y1-y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	for e := dx + dy; ; {
		img.Set(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func fillRect(img *image.RGBA, x0, y0, x1, y1 int, c color.Color) {
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			img.Set(x, y, c)
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
