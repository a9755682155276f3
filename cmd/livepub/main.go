// Command livepub publishes a local FLV recording to an RTMP endpoint,
// pacing frames by their timestamps to simulate a live encoder.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	goflv "github.com/yutopp/go-flv"
	flvtag "github.com/yutopp/go-flv/tag"
	"golang.org/x/sync/errgroup"

	"github.com/livepub/livepub/flv"
	"github.com/livepub/livepub/media"
	"github.com/livepub/livepub/publish"
	"github.com/livepub/livepub/rtmp"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	rtmpURL := os.Getenv("RTMP_URL")
	flvPath := os.Getenv("FLV_PATH")
	if rtmpURL == "" || flvPath == "" {
		fmt.Fprintln(os.Stderr, "usage: RTMP_URL=rtmp://host/app/key FLV_PATH=input.flv livepub")
		os.Exit(2)
	}

	cfg := publish.Config{
		Endpoint: rtmpURL,
		Video: publish.VideoConfig{
			Width:     envInt("WIDTH", 1280),
			Height:    envInt("HEIGHT", 720),
			FrameRate: envInt("FRAMERATE", 30),
			Bitrate:   envInt("VIDEO_BITRATE", 800_000),
		},
		Audio: publish.AudioConfig{
			SampleRate: envInt("AUDIO_SAMPLE_RATE", 44100),
			Channels:   envInt("AUDIO_CHANNELS", 2),
			BitDepth:   16,
			Bitrate:    envInt("AUDIO_BITRATE", 96_000),
		},
		ReconnectAttempts:   envInt("RECONNECT_ATTEMPTS", 5),
		ExternalVideoSource: true,
		Logger:              log,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("livepub starting", "version", version, "endpoint", rtmpURL, "input", flvPath)

	transport := rtmp.NewTransport(log)
	pub := publish.New(cfg, transport, nil, &logEvents{log: log})

	if err := pub.Start(ctx); err != nil {
		slog.Error("failed to start publisher", "error", err)
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return feedFile(ctx, pub, flvPath)
	})

	err := g.Wait()
	pub.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("publish failed", "error", err)
		os.Exit(1)
	}
	slog.Info("done", "dropped_frames", pub.Dropped())
}

// feedFile reads FLV tags from path and pushes them into the publisher,
// sleeping between tags so frames arrive at their recorded rate.
func feedFile(ctx context.Context, pub *publish.Publisher, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	dec, err := goflv.NewDecoder(f)
	if err != nil {
		return fmt.Errorf("read flv header: %w", err)
	}

	// The session needs to reach publishing before frames are admitted.
	if err := waitPublishing(ctx, pub); err != nil {
		return err
	}

	var (
		sps, pps []byte
		audioCfg []byte
		start    = time.Now()
	)
	for {
		var t flvtag.FlvTag
		if err := dec.Decode(&t); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode flv tag: %w", err)
		}

		// Pace by the recorded timestamp.
		if wait := time.Duration(t.Timestamp)*time.Millisecond - time.Since(start); wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		switch data := t.Data.(type) {
		case *flvtag.VideoData:
			if data.CodecID != flvtag.CodecIDAVC {
				continue
			}
			payload, err := io.ReadAll(data.Data)
			if err != nil {
				return fmt.Errorf("read video tag: %w", err)
			}
			if data.AVCPacketType == flvtag.AVCPacketTypeSequenceHeader {
				if sps, pps, err = flv.ParseVideoSequenceHeader(payload); err != nil {
					return fmt.Errorf("parse avc sequence header: %w", err)
				}
				slog.Debug("parameter sets loaded", "sps", len(sps), "pps", len(pps))
				continue
			}
			pub.PushVideo(&media.VideoFrame{
				Timestamp:       uint64(t.Timestamp),
				Payload:         payload,
				IsKeyFrame:      data.FrameType == flvtag.FrameTypeKeyFrame,
				CompositionTime: data.CompositionTime,
				SPS:             sps,
				PPS:             pps,
			})

		case *flvtag.AudioData:
			if data.SoundFormat != flvtag.SoundFormatAAC {
				continue
			}
			payload, err := io.ReadAll(data.Data)
			if err != nil {
				return fmt.Errorf("read audio tag: %w", err)
			}
			if data.AACPacketType == flvtag.AACPacketTypeSequenceHeader {
				audioCfg = payload
				continue
			}
			pub.PushAudio(&media.AudioFrame{
				Timestamp:      uint64(t.Timestamp),
				Payload:        payload,
				SequenceConfig: audioCfg,
			})
		}
	}
}

func waitPublishing(ctx context.Context, pub *publish.Publisher) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		switch pub.State() {
		case publish.StatePublishing:
			return nil
		case publish.StateFailed, publish.StateStopped:
			return errors.New("session ended before publishing started")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// logEvents surfaces session callbacks through the process logger.
type logEvents struct {
	log *slog.Logger
}

func (e *logEvents) OnStateChange(st publish.State) {
	e.log.Info("session state", "state", st)
}

func (e *logEvents) OnError(code publish.ErrorCode, err error) {
	e.log.Error("session error", "code", int(code), "error", err)
}

func (e *logEvents) OnDebug(stats publish.DebugStats) {
	e.log.Debug("session stats",
		"total_frames", stats.TotalFrames,
		"dropped_frames", stats.DroppedFrames,
		"bytes_per_sec", stats.BytesPerSec,
		"unsent", stats.UnsentCount,
	)
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
