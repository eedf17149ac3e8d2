package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/labctl/internal/observability"
	"github.com/danmuck/labctl/internal/protocol/message"
	"github.com/danmuck/labctl/internal/shim"
)

// ShimRecorder persists a successful shim.
type ShimRecorder interface {
	Save(ctx context.Context, key string, rec shim.Record) error
}

// ShimParams configures one shim workflow.
type ShimParams struct {
	Protocol string
	Options  message.Options
	// MaxLineWidth50 bounds the line width at 50% peak height (Hz).
	MaxLineWidth50 float64
	// MaxLineWidth055 bounds the base width at 0.55% peak height (Hz).
	MaxLineWidth055 float64
	MaxAttempts     int
}

func DefaultShimParams() ShimParams {
	return ShimParams{
		Protocol:        "SHIM",
		Options:         message.NewOptions(message.Option{Name: "Shim", Value: "QuickShim"}),
		MaxLineWidth50:  1.0,
		MaxLineWidth055: 20.0,
		MaxAttempts:     3,
	}
}

// Measurement is one CheckShimResponse.
type Measurement struct {
	LineWidth50  float64
	LineWidth055 float64
}

// CheckShim asks the instrument for the current line widths.
func (s *Session) CheckShim(ctx context.Context) (Measurement, error) {
	doc, err := s.SendCommand(ctx, message.Request(message.KindCheckShim, message.AckCheckShim))
	if err != nil {
		return Measurement{}, err
	}
	kind := doc.Kind()
	lw, err := parseWidth(kind.ChildText("LineWidth"))
	if err != nil {
		return Measurement{}, fmt.Errorf("%w: LineWidth: %v", ErrUnexpectedReply, err)
	}
	bw, err := parseWidth(kind.ChildText("BaseWidth"))
	if err != nil {
		return Measurement{}, fmt.Errorf("%w: BaseWidth: %v", ErrUnexpectedReply, err)
	}
	return Measurement{LineWidth50: lw, LineWidth055: bw}, nil
}

func parseWidth(raw string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(raw), 64)
}

// Shim runs the shim protocol and checks the line widths, retrying until
// both are within bounds or MaxAttempts runs have been made. A passing
// result is saved under the instrument address.
func (s *Session) Shim(ctx context.Context, p ShimParams, recorder ShimRecorder) (shim.Record, error) {
	if recorder == nil {
		return shim.Record{}, ErrNoShimRecorder
	}
	def := DefaultShimParams()
	if strings.TrimSpace(p.Protocol) == "" {
		p.Protocol = def.Protocol
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.MaxLineWidth50 <= 0 {
		p.MaxLineWidth50 = def.MaxLineWidth50
	}
	if p.MaxLineWidth055 <= 0 {
		p.MaxLineWidth055 = def.MaxLineWidth055
	}

	var last Measurement
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if _, err := s.RunProtocol(ctx, p.Protocol, p.Options); err != nil {
			observability.RecordShimRun(false)
			return shim.Record{}, fmt.Errorf("session: shim attempt %d: %w", attempt, err)
		}
		m, err := s.CheckShim(ctx)
		if err != nil {
			observability.RecordShimRun(false)
			return shim.Record{}, fmt.Errorf("session: shim attempt %d: %w", attempt, err)
		}
		last = m
		passed := m.LineWidth50 <= p.MaxLineWidth50 && m.LineWidth055 <= p.MaxLineWidth055
		s.log.Info().
			Int("attempt", attempt).
			Float64("line_width_50", m.LineWidth50).
			Float64("line_width_0_55", m.LineWidth055).
			Bool("passed", passed).
			Msg("shim measured")
		if !passed {
			continue
		}
		rec := shim.Record{
			Timestamp:    s.now(),
			LineWidth50:  m.LineWidth50,
			LineWidth055: m.LineWidth055,
			Threshold50:  p.MaxLineWidth50,
			Threshold055: p.MaxLineWidth055,
			Passed:       true,
		}
		observability.RecordShimRun(true)
		if err := recorder.Save(ctx, s.cfg.Address, rec); err != nil {
			return rec, err
		}
		return rec, nil
	}

	observability.RecordShimRun(false)
	return shim.Record{
		Timestamp:    s.now(),
		LineWidth50:  last.LineWidth50,
		LineWidth055: last.LineWidth055,
		Threshold50:  p.MaxLineWidth50,
		Threshold055: p.MaxLineWidth055,
	}, fmt.Errorf("%w after %d attempts: line_width_50=%.3f line_width_0_55=%.3f",
		ErrShimNotConverged, p.MaxAttempts, last.LineWidth50, last.LineWidth055)
}
