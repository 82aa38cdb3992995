package seq

import "github.com/Team-Digital-Fairy/ctrmml"

type frameKind uint8

const (
	frameLoop frameKind = iota
	frameJump
	frameDrum
	frameKindCount

	// frameNone is what stackKind reports for an empty stack.
	frameNone = frameKindCount
)

// DefaultMaxStackDepth bounds loop, jump and drum mode nesting. Exceeding it
// is a structural error, never unbounded growth.
const DefaultMaxStackDepth = 10

// frame is one saved return point. endPosition and count double as storage
// for drum mode frames: the caller's on time and off time respectively.
type frame struct {
	kind        frameKind
	track       *ctrmml.Track
	position    int
	endPosition int
	count       int
}

func (p *BasicPlayer) stackPush(f frame) error {
	if len(p.stack) >= p.maxDepth {
		return p.Errorf("stack overflow (depth limit reached)")
	}
	p.depth[f.kind]++
	p.stack = append(p.stack, f)
	return nil
}

// stackTop returns the top frame for in-place mutation, after checking that
// it has the wanted kind. The underflow message names the frame found, or the
// frame asked for when the stack is empty.
func (p *BasicPlayer) stackTop(kind frameKind) (*frame, error) {
	if len(p.stack) == 0 {
		return nil, p.underflowError(kind)
	}
	top := &p.stack[len(p.stack)-1]
	if top.kind != kind {
		return nil, p.underflowError(top.kind)
	}
	return top, nil
}

func (p *BasicPlayer) stackPop(kind frameKind) (frame, error) {
	if len(p.stack) == 0 {
		return frame{}, p.underflowError(kind)
	}
	f := p.stack[len(p.stack)-1]
	p.stack = p.stack[:len(p.stack)-1]
	p.depth[f.kind]--
	if f.kind != kind {
		return f, p.underflowError(f.kind)
	}
	return f, nil
}

// stackKind returns the kind of the top frame, or frameNone when empty.
func (p *BasicPlayer) stackKind() frameKind {
	if len(p.stack) == 0 {
		return frameNone
	}
	return p.stack[len(p.stack)-1].kind
}

func (p *BasicPlayer) underflowError(kind frameKind) error {
	switch kind {
	case frameLoop:
		return p.Errorf("unterminated '[]' loop")
	case frameJump:
		return p.Errorf("unexpected ']' loop end")
	case frameDrum:
		return p.Errorf("drum routine contains no note")
	}
	panic("unknown stack type (BUG, please report)")
}
