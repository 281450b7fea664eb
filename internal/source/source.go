// Package source provides the frame sources the scheduler pulls from.
package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/Brownie44l1/live-classifier/internal/model"
)

// Source produces frames on demand. Width, height and pixel format stay
// fixed between Start and Close.
type Source interface {
	Start(ctx context.Context) error
	IsStreaming() bool
	// Capture fails with an error wrapping pipelineerr.ErrCapture.
	Capture(ctx context.Context) (*model.Frame, error)
	Close() error
}

type Kind uint

const (
	KindUndefined = Kind(iota)
	KindCamera
	KindScreen
	KindImage
)

func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "<undefined>"
	case KindCamera:
		return "camera"
	case KindScreen:
		return "screen"
	case KindImage:
		return "image"
	default:
		return fmt.Sprintf("<unexpected_value_%d>", uint(k))
	}
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "camera", "":
		return KindCamera, nil
	case "screen":
		return KindScreen, nil
	case "image":
		return KindImage, nil
	default:
		return KindUndefined, fmt.Errorf("unknown source kind '%s'", s)
	}
}
