package feed

import (
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// FrameMsg reports progress of a camera surface. Pixels never reach the
// terminal; only frame metadata does.
type FrameMsg struct {
	Entity string
	Source string
	Frames int
	Width  int
	Height int
	FPS    float64
}

// StreamErrMsg reports that a camera stream stopped on its own.
type StreamErrMsg struct {
	Entity string
	Source string
	Err    error
}

// Surface is a camera display surface. SetSource is called from the
// dispatch loop only.
type Surface struct {
	t      *Transport
	entity string
	source string
	cancel context.CancelFunc
}

// SetSource drops any running request and, for a non-empty endpoint,
// starts a fresh one.
func (s *Surface) SetSource(endpoint string) {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.source = endpoint
	if endpoint == "" {
		return
	}
	ctx, cancel := context.WithCancel(s.t.ctx)
	s.cancel = cancel
	go s.run(ctx, endpoint)
}

// bound returns the endpoint the surface is bound to, or "".
func (s *Surface) bound() string { return s.source }

func (s *Surface) run(ctx context.Context, endpoint string) {
	err := s.stream(ctx, endpoint)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = errStreamEnded
	}
	s.t.send.Send(StreamErrMsg{Entity: s.entity, Source: endpoint, Err: err})
}

func (s *Surface) stream(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create stream request: %w", err)
	}
	resp, err := s.t.Client.Do(req)
	if err != nil {
		return fmt.Errorf("connect stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("parse content type: %w", err)
	}

	rep := frameReporter{s: s, source: endpoint, start: time.Now()}
	if !strings.HasPrefix(mediaType, "multipart/") {
		// A single still image.
		return rep.frame(resp.Body)
	}

	boundary := strings.TrimPrefix(params["boundary"], "--")
	if boundary == "" {
		return errors.New("multipart stream without boundary")
	}
	mr := multipart.NewReader(resp.Body, boundary)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		err = rep.frame(part)
		part.Close()
		if err != nil {
			return err
		}
	}
}

type frameReporter struct {
	s      *Surface
	source string
	start  time.Time
	last   time.Time
	frames int
}

func (r *frameReporter) frame(body io.Reader) error {
	cfg, err := jpeg.DecodeConfig(body)
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	r.frames++

	now := time.Now()
	if r.frames > 1 && now.Sub(r.last) < r.s.t.FrameInterval {
		return nil
	}
	r.last = now
	var fps float64
	if el := now.Sub(r.start).Seconds(); el > 0 && r.frames > 1 {
		fps = float64(r.frames) / el
	}
	r.s.t.send.Send(FrameMsg{
		Entity: r.s.entity,
		Source: r.source,
		Frames: r.frames,
		Width:  cfg.Width,
		Height: cfg.Height,
		FPS:    fps,
	})
	return nil
}
