package tools

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

const (
	mathMaxLen   = 512
	mathMaxDepth = 64
	mathTimeout  = 2 * time.Second
)

// бан-лист: всё, что похоже на попытку исполнить код, режем до разбора
var mathBanned = []string{"__", "import", "exec", "eval", "open"}

// allow-лист функций арифметики
var mathFuncs = map[string]func(args []float64) (float64, error){
	"sqrt": func(a []float64) (float64, error) {
		if len(a) != 1 {
			return 0, fmt.Errorf("sqrt: нужен 1 аргумент")
		}
		if a[0] < 0 {
			return 0, fmt.Errorf("sqrt: отрицательный аргумент")
		}
		return math.Sqrt(a[0]), nil
	},
	"abs": func(a []float64) (float64, error) {
		if len(a) != 1 {
			return 0, fmt.Errorf("abs: нужен 1 аргумент")
		}
		return math.Abs(a[0]), nil
	},
	"pow": func(a []float64) (float64, error) {
		if len(a) != 2 {
			return 0, fmt.Errorf("pow: нужно 2 аргумента")
		}
		return math.Pow(a[0], a[1]), nil
	},
	"min": func(a []float64) (float64, error) {
		if len(a) != 2 {
			return 0, fmt.Errorf("min: нужно 2 аргумента")
		}
		return math.Min(a[0], a[1]), nil
	},
	"max": func(a []float64) (float64, error) {
		if len(a) != 2 {
			return 0, fmt.Errorf("max: нужно 2 аргумента")
		}
		return math.Max(a[0], a[1]), nil
	},
}

// MathVerify вычисляет арифметическое выражение в ограниченной грамматике:
// числа, + - * / ^, скобки, унарный минус и функции из allow-листа.
// Всё остальное — ошибка без какого-либо вычисления.
func MathVerify(ctx context.Context, expr string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, mathTimeout)
	defer cancel()

	type evalOut struct {
		val string
		err error
	}
	done := make(chan evalOut, 1)
	go func() {
		v, err := evalExpr(expr)
		done <- evalOut{val: v, err: err}
	}()

	select {
	case out := <-done:
		return out.val, out.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func evalExpr(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", fmt.Errorf("пустое выражение")
	}
	if len(expr) > mathMaxLen {
		return "", fmt.Errorf("выражение длиннее %d символов", mathMaxLen)
	}
	lowered := strings.ToLower(expr)
	for _, bad := range mathBanned {
		if strings.Contains(lowered, bad) {
			return "", fmt.Errorf("запрещённая конструкция %q", bad)
		}
	}

	p := &mathParser{src: []rune(expr)}
	v, err := p.parseSum(0)
	if err != nil {
		return "", err
	}
	p.skipSpaces()
	if p.pos < len(p.src) {
		return "", fmt.Errorf("лишний ввод с позиции %d", p.pos)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", fmt.Errorf("результат не число")
	}
	if v == 0 {
		v = 0 // нормализуем -0
	}
	return strconv.FormatFloat(v, 'f', -1, 64), nil
}

type mathParser struct {
	src []rune
	pos int
}

func (p *mathParser) skipSpaces() {
	for p.pos < len(p.src) && unicode.IsSpace(p.src[p.pos]) {
		p.pos++
	}
}

func (p *mathParser) peek() rune {
	if p.pos < len(p.src) {
		return p.src[p.pos]
	}
	return 0
}

// parseSum := parseProduct (('+'|'-') parseProduct)*
func (p *mathParser) parseSum(depth int) (float64, error) {
	if depth > mathMaxDepth {
		return 0, fmt.Errorf("слишком глубокая вложенность")
	}
	left, err := p.parseProduct(depth + 1)
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpaces()
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseProduct(depth + 1)
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseProduct(depth + 1)
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

// parseProduct := parseUnary (('*'|'/') parseUnary)*
func (p *mathParser) parseProduct(depth int) (float64, error) {
	if depth > mathMaxDepth {
		return 0, fmt.Errorf("слишком глубокая вложенность")
	}
	left, err := p.parseUnary(depth + 1)
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpaces()
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.parseUnary(depth + 1)
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseUnary(depth + 1)
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("деление на ноль")
			}
			left /= right
		default:
			return left, nil
		}
	}
}

// parseUnary := '-' parseUnary | parsePower
func (p *mathParser) parseUnary(depth int) (float64, error) {
	if depth > mathMaxDepth {
		return 0, fmt.Errorf("слишком глубокая вложенность")
	}
	p.skipSpaces()
	if p.peek() == '-' {
		p.pos++
		v, err := p.parseUnary(depth + 1)
		return -v, err
	}
	return p.parsePower(depth + 1)
}

// parsePower := parsePrimary ('^' parseUnary)?  — правоассоциативно
func (p *mathParser) parsePower(depth int) (float64, error) {
	base, err := p.parsePrimary(depth + 1)
	if err != nil {
		return 0, err
	}
	p.skipSpaces()
	if p.peek() == '^' {
		p.pos++
		exp, err := p.parseUnary(depth + 1)
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

// parsePrimary := number | '(' parseSum ')' | ident '(' args ')'
func (p *mathParser) parsePrimary(depth int) (float64, error) {
	if depth > mathMaxDepth {
		return 0, fmt.Errorf("слишком глубокая вложенность")
	}
	p.skipSpaces()
	ch := p.peek()

	switch {
	case ch == '(':
		p.pos++
		v, err := p.parseSum(depth + 1)
		if err != nil {
			return 0, err
		}
		p.skipSpaces()
		if p.peek() != ')' {
			return 0, fmt.Errorf("нет закрывающей скобки")
		}
		p.pos++
		return v, nil

	case unicode.IsDigit(ch) || ch == '.':
		return p.parseNumber()

	case unicode.IsLetter(ch):
		return p.parseCall(depth + 1)
	}
	return 0, fmt.Errorf("неожиданный символ %q на позиции %d", string(ch), p.pos)
}

func (p *mathParser) parseNumber() (float64, error) {
	start := p.pos
	for p.pos < len(p.src) && (unicode.IsDigit(p.src[p.pos]) || p.src[p.pos] == '.') {
		p.pos++
	}
	v, err := strconv.ParseFloat(string(p.src[start:p.pos]), 64)
	if err != nil {
		return 0, fmt.Errorf("плохое число %q", string(p.src[start:p.pos]))
	}
	return v, nil
}

func (p *mathParser) parseCall(depth int) (float64, error) {
	start := p.pos
	for p.pos < len(p.src) && (unicode.IsLetter(p.src[p.pos]) || unicode.IsDigit(p.src[p.pos])) {
		p.pos++
	}
	name := strings.ToLower(string(p.src[start:p.pos]))
	fn, ok := mathFuncs[name]
	if !ok {
		return 0, fmt.Errorf("функция %q вне allow-листа", name)
	}

	p.skipSpaces()
	if p.peek() != '(' {
		return 0, fmt.Errorf("после %q ожидается '('", name)
	}
	p.pos++

	var args []float64
	p.skipSpaces()
	if p.peek() != ')' {
		for {
			v, err := p.parseSum(depth + 1)
			if err != nil {
				return 0, err
			}
			args = append(args, v)
			p.skipSpaces()
			if p.peek() == ',' {
				p.pos++
				continue
			}
			break
		}
	}
	p.skipSpaces()
	if p.peek() != ')' {
		return 0, fmt.Errorf("вызов %q не закрыт скобкой", name)
	}
	p.pos++

	return fn(args)
}
