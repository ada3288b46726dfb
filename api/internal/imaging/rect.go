package imaging

import "image"

const (
	// QuestionPad/FigurePad — относительный отступ при вырезании области.
	// Чертёж режем с двойным запасом: ответ часто подписан рядом.
	QuestionPad = 0.06
	FigurePad   = 0.12
	MaxPad      = 0.25

	// MinFigureArea/MinFigureSide — меньше этого чертёж бесполезен для модели.
	MinFigureArea = 5000
	MinFigureSide = 70
)

// NormRect — прямоугольник в нормализованных координатах [0,1].
type NormRect struct {
	X0, Y0, X1, Y1 float64
}

// Clamp приводит координаты в [0,1] и чинит перепутанные углы.
func (r NormRect) Clamp() NormRect {
	c := NormRect{
		X0: clamp01(r.X0),
		Y0: clamp01(r.Y0),
		X1: clamp01(r.X1),
		Y1: clamp01(r.Y1),
	}
	if c.X0 > c.X1 {
		c.X0, c.X1 = c.X1, c.X0
	}
	if c.Y0 > c.Y1 {
		c.Y0, c.Y1 = c.Y1, c.Y0
	}
	return c
}

// Valid — ненулевая площадь после clamp.
func (r NormRect) Valid() bool {
	c := r.Clamp()
	return c.X1 > c.X0 && c.Y1 > c.Y0
}

// ToPixels переводит в пиксели bounds с отступом pad (доля от размера области,
// не больше MaxPad).
func (r NormRect) ToPixels(bounds image.Rectangle, pad float64) image.Rectangle {
	c := r.Clamp()
	if pad > MaxPad {
		pad = MaxPad
	}
	if pad < 0 {
		pad = 0
	}

	w := float64(bounds.Dx())
	h := float64(bounds.Dy())
	padX := (c.X1 - c.X0) * pad
	padY := (c.Y1 - c.Y0) * pad

	x0 := clamp01(c.X0-padX) * w
	y0 := clamp01(c.Y0-padY) * h
	x1 := clamp01(c.X1+padX) * w
	y1 := clamp01(c.Y1+padY) * h

	out := image.Rect(
		bounds.Min.X+int(x0),
		bounds.Min.Y+int(y0),
		bounds.Min.X+int(x1+0.5),
		bounds.Min.Y+int(y1+0.5),
	)
	return out.Intersect(bounds)
}

// FigureTooSmall — область слишком мала, чтобы резать её отдельным файлом.
func FigureTooSmall(r image.Rectangle) bool {
	area := r.Dx() * r.Dy()
	short := minInt(r.Dx(), r.Dy())
	return area < MinFigureArea || short < MinFigureSide
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
