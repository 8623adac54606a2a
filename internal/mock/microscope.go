// Package mock provides a simulated microscope implementing device.Device,
// used by `eventgw serve --mock` and by gateway tests.
package mock

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/temscope/eventgw/internal/device"
)

// StageAxes are the stage coordinates reported by stage_position.
var StageAxes = []string{"x", "y", "z", "a", "b"}

const (
	ProjectionImaging     = "IMAGING"
	ProjectionDiffraction = "DIFFRACTION"
)

const (
	imageWidth    = 64
	imageHeight   = 64
	frameInterval = 500 * time.Millisecond
)

type state struct {
	stage              map[string]float64
	projectionMode     string
	magnificationIndex int
	beamBlanked        bool
	exposureTime       float64
	frame              int
}

// Microscope is an in-memory instrument. Get returns copies; callers never
// share state with it.
type Microscope struct {
	mu    sync.RWMutex
	state state
}

func NewMicroscope() *Microscope {
	stage := make(map[string]float64, len(StageAxes))
	for _, axis := range StageAxes {
		stage[axis] = 0
	}
	return &Microscope{
		state: state{
			stage:              stage,
			projectionMode:     ProjectionImaging,
			magnificationIndex: 1,
			exposureTime:       1.0,
		},
	}
}

// Start advances the camera frame counter until ctx is cancelled, so repeated
// reads of camera/image return fresh noise.
func (m *Microscope) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(frameInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.mu.Lock()
				m.state.frame++
				m.mu.Unlock()
			}
		}
	}()
}

var _ device.Device = (*Microscope)(nil)

func (m *Microscope) Get(_ context.Context, name string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch name {
	case "family":
		return "TITAN", nil
	case "stage_position":
		pos := make(map[string]any, len(m.state.stage))
		for k, v := range m.state.stage {
			pos[k] = v
		}
		return pos, nil
	case "projection_mode":
		return m.state.projectionMode, nil
	case "magnification_index":
		return m.state.magnificationIndex, nil
	case "beam_blanked":
		return m.state.beamBlanked, nil
	case "camera/exposure_time":
		return m.state.exposureTime, nil
	case "camera/image":
		return m.image(), nil
	}
	return nil, fmt.Errorf("%w: %s", device.ErrUnknownResource, name)
}

func (m *Microscope) Set(ctx context.Context, name string, value any) (any, error) {
	if err := m.set(name, value); err != nil {
		return nil, err
	}
	return m.Get(ctx, name)
}

func (m *Microscope) set(name string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch name {
	case "family", "camera/image":
		return fmt.Errorf("%w: %s", device.ErrReadOnly, name)
	case "stage_position":
		pos, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: stage_position wants an object of axes", device.ErrInvalidValue)
		}
		next := make(map[string]float64, len(m.state.stage))
		for k, v := range m.state.stage {
			next[k] = v
		}
		for axis, raw := range pos {
			if _, known := next[axis]; !known {
				return fmt.Errorf("%w: unknown stage axis %q", device.ErrInvalidValue, axis)
			}
			f, ok := raw.(float64)
			if !ok {
				return fmt.Errorf("%w: stage axis %q wants a number", device.ErrInvalidValue, axis)
			}
			next[axis] = f
		}
		m.state.stage = next
	case "projection_mode":
		mode, ok := value.(string)
		if !ok || (mode != ProjectionImaging && mode != ProjectionDiffraction) {
			return fmt.Errorf("%w: projection_mode wants %s or %s", device.ErrInvalidValue, ProjectionImaging, ProjectionDiffraction)
		}
		m.state.projectionMode = mode
	case "magnification_index":
		f, ok := value.(float64)
		if !ok || f < 1 || f != math.Trunc(f) {
			return fmt.Errorf("%w: magnification_index wants a positive integer", device.ErrInvalidValue)
		}
		m.state.magnificationIndex = int(f)
	case "beam_blanked":
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: beam_blanked wants a boolean", device.ErrInvalidValue)
		}
		m.state.beamBlanked = b
	case "camera/exposure_time":
		f, ok := value.(float64)
		if !ok || f <= 0 {
			return fmt.Errorf("%w: exposure_time wants a positive number", device.ErrInvalidValue)
		}
		m.state.exposureTime = f
	default:
		return fmt.Errorf("%w: %s", device.ErrUnknownResource, name)
	}
	return nil
}

// image renders a radial gradient plus per-frame shot noise. With the beam
// blanked the frame is dark noise only. Callers hold m.mu.
func (m *Microscope) image() [][]uint16 {
	rng := rand.New(rand.NewSource(int64(m.state.frame)))
	scale := m.state.exposureTime * 1000
	if m.state.beamBlanked {
		scale = 0
	}

	cx, cy := float64(imageWidth)/2, float64(imageHeight)/2
	maxR := math.Hypot(cx, cy)
	img := make([][]uint16, imageHeight)
	for y := range img {
		row := make([]uint16, imageWidth)
		for x := range row {
			r := math.Hypot(float64(x)-cx, float64(y)-cy)
			v := scale*(1-r/maxR) + rng.Float64()*10
			row[x] = uint16(math.Min(v, math.MaxUint16))
		}
		img[y] = row
	}
	return img
}
