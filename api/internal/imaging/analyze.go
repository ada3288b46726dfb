package imaging

import (
	"image"
	"image/color"
	"image/draw"
	"math"
)

const (
	// maxSkewDeg — за этим порогом наклон считаем ложным срабатыванием.
	maxSkewDeg = 15.0
	minSkewDeg = 0.5

	foregroundLum = 140

	edgeThreshold = 60
	analysisSide  = 1024
	minComponent  = 25

	// MinRegionRatio/MaxRegionRatio — доля страницы, в которой ищем чертёж.
	MinRegionRatio = 0.05
	MaxRegionRatio = 0.90
)

// EstimateSkew оценивает наклон текстового блока в градусах по центральным
// моментам маски переднего плана. 0 — наклона нет или он вне доверия.
func EstimateSkew(img image.Image) float64 {
	gray := analysisGray(img)
	b := gray.Bounds()

	var n, sumX, sumY float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if gray.GrayAt(x, y).Y < foregroundLum {
				n++
				sumX += float64(x)
				sumY += float64(y)
			}
		}
	}
	if n < 100 {
		return 0
	}
	cx := sumX / n
	cy := sumY / n

	var mu11, mu20, mu02 float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if gray.GrayAt(x, y).Y < foregroundLum {
				dx := float64(x) - cx
				dy := float64(y) - cy
				mu11 += dx * dy
				mu20 += dx * dx
				mu02 += dy * dy
			}
		}
	}

	angle := 0.5 * math.Atan2(2*mu11, mu20-mu02) * 180 / math.Pi
	if math.Abs(angle) < minSkewDeg || math.Abs(angle) > maxSkewDeg {
		return 0
	}
	return angle
}

// Rotate поворачивает вокруг центра на angle градусов, фон белый.
func Rotate(img image.Image, angleDeg float64) image.Image {
	if angleDeg == 0 {
		return img
	}
	b := img.Bounds()
	w := b.Dx()
	h := b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	rad := angleDeg * math.Pi / 180
	sin := math.Sin(rad)
	cos := math.Cos(rad)
	cx := float64(w) / 2
	cy := float64(h) / 2

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// обратное отображение: куда в источнике смотрит целевой пиксель
			dx := float64(x) - cx
			dy := float64(y) - cy
			sx := cos*dx + sin*dy + cx
			sy := -sin*dx + cos*dy + cy
			ix := int(sx + 0.5)
			iy := int(sy + 0.5)
			if ix >= 0 && ix < w && iy >= 0 && iy < h {
				dst.Set(x, y, img.At(b.Min.X+ix, b.Min.Y+iy))
			}
		}
	}
	return dst
}

// Deskew — выравнивание страницы, если наклон в пределах доверия.
func Deskew(img image.Image) image.Image {
	return Rotate(img, -EstimateSkew(img))
}

// AdaptiveThreshold — бинаризация по локальному среднему (окно window, сдвиг bias).
func AdaptiveThreshold(img image.Image, window, bias int) *image.Gray {
	gray := Grayscale(img)
	b := gray.Bounds()
	w := b.Dx()
	h := b.Dy()
	if window <= 0 {
		window = maxInt(15, minInt(w, h)/16) | 1
	}

	// интегральное изображение для среднего по окну за O(1)
	integ := make([]uint64, (w+1)*(h+1))
	stride := w + 1
	for y := 0; y < h; y++ {
		var row uint64
		for x := 0; x < w; x++ {
			row += uint64(gray.GrayAt(x, y).Y)
			integ[(y+1)*stride+x+1] = integ[y*stride+x+1] + row
		}
	}

	half := window / 2
	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		y0 := maxInt(0, y-half)
		y1 := minInt(h-1, y+half)
		for x := 0; x < w; x++ {
			x0 := maxInt(0, x-half)
			x1 := minInt(w-1, x+half)
			area := uint64((x1 - x0 + 1) * (y1 - y0 + 1))
			sum := integ[(y1+1)*stride+x1+1] - integ[y0*stride+x1+1] -
				integ[(y1+1)*stride+x0] + integ[y0*stride+x0]
			mean := sum / area
			v := uint8(255)
			if uint64(gray.GrayAt(x, y).Y)+uint64(bias) < mean {
				v = 0
			}
			dst.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return dst
}

// FindDiagramRegion ищет на странице одну область, похожую на чертёж:
// границы по градиенту, связные компоненты, фильтр по доле площади.
func FindDiagramRegion(img image.Image) (image.Rectangle, bool) {
	gray := analysisGray(img)
	b := gray.Bounds()
	w := b.Dx()
	h := b.Dy()
	if w < 8 || h < 8 {
		return image.Rectangle{}, false
	}

	edges := sobelEdges(gray, edgeThreshold)
	comps := connectedComponents(edges, w, h)

	pageArea := float64(w * h)
	var best image.Rectangle
	bestArea := 0
	for _, c := range comps {
		if c.count < minComponent {
			continue
		}
		area := c.rect.Dx() * c.rect.Dy()
		ratio := float64(area) / pageArea
		if ratio < MinRegionRatio || ratio > MaxRegionRatio {
			continue
		}
		if area > bestArea {
			bestArea = area
			best = c.rect
		}
	}
	if bestArea == 0 {
		return image.Rectangle{}, false
	}

	// компоненты искали на уменьшенной копии — возвращаемся в координаты оригинала
	ob := img.Bounds()
	scaleX := float64(ob.Dx()) / float64(w)
	scaleY := float64(ob.Dy()) / float64(h)
	out := image.Rect(
		ob.Min.X+int(float64(best.Min.X)*scaleX),
		ob.Min.Y+int(float64(best.Min.Y)*scaleY),
		ob.Min.X+int(float64(best.Max.X)*scaleX+0.5),
		ob.Min.Y+int(float64(best.Max.Y)*scaleY+0.5),
	)
	return out.Intersect(ob), true
}

func sobelEdges(gray *image.Gray, threshold int) []bool {
	b := gray.Bounds()
	w := b.Dx()
	h := b.Dy()
	edges := make([]bool, w*h)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := -int(gray.GrayAt(x-1, y-1).Y) + int(gray.GrayAt(x+1, y-1).Y) +
				-2*int(gray.GrayAt(x-1, y).Y) + 2*int(gray.GrayAt(x+1, y).Y) +
				-int(gray.GrayAt(x-1, y+1).Y) + int(gray.GrayAt(x+1, y+1).Y)
			gy := -int(gray.GrayAt(x-1, y-1).Y) - 2*int(gray.GrayAt(x, y-1).Y) - int(gray.GrayAt(x+1, y-1).Y) +
				int(gray.GrayAt(x-1, y+1).Y) + 2*int(gray.GrayAt(x, y+1).Y) + int(gray.GrayAt(x+1, y+1).Y)
			if gx < 0 {
				gx = -gx
			}
			if gy < 0 {
				gy = -gy
			}
			if gx+gy > threshold*2 {
				edges[y*w+x] = true
			}
		}
	}
	return edges
}

type component struct {
	rect  image.Rectangle
	count int
}

func connectedComponents(edges []bool, w, h int) []component {
	visited := make([]bool, len(edges))
	var comps []component
	stack := make([]int, 0, 1024)

	for start := range edges {
		if !edges[start] || visited[start] {
			continue
		}
		minX, minY := w, h
		maxX, maxY := 0, 0
		count := 0
		stack = append(stack[:0], start)
		visited[start] = true
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x := idx % w
			y := idx / w
			count++
			if x < minX {
				minX = x
			}
			if y < minY {
				minY = y
			}
			if x > maxX {
				maxX = x
			}
			if y > maxY {
				maxY = y
			}
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx := x + dx
					ny := y + dy
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					ni := ny*w + nx
					if edges[ni] && !visited[ni] {
						visited[ni] = true
						stack = append(stack, ni)
					}
				}
			}
		}
		comps = append(comps, component{
			rect:  image.Rect(minX, minY, maxX+1, maxY+1),
			count: count,
		})
	}
	return comps
}

// analysisGray — серый вариант, ужатый до analysisSide по большей стороне.
func analysisGray(img image.Image) *image.Gray {
	b := img.Bounds()
	w := b.Dx()
	h := b.Dy()
	if w > analysisSide || h > analysisSide {
		scale := float64(analysisSide) / float64(maxInt(w, h))
		nw := maxInt(1, int(float64(w)*scale))
		nh := maxInt(1, int(float64(h)*scale))
		return Grayscale(ScaleDownNN(img, nw, nh))
	}
	return Grayscale(img)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
