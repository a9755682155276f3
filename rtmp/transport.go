// Package rtmp adapts the publish.Transport interface onto an RTMP
// connection. The handshake, chunking, and command plumbing are delegated
// to github.com/yutopp/go-rtmp; this package only dials, publishes, and
// forwards already-muxed FLV tag bodies with per-track timestamps.
package rtmp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	amf0 "github.com/yutopp/go-amf0"
	rtmp "github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"

	"github.com/livepub/livepub/media"
	"github.com/livepub/livepub/publish"
)

// Chunk stream ids used for outgoing messages.
const (
	csidData  = 5
	csidAudio = 6
	csidVideo = 7
)

const defaultPort = "1935"

// chunkSize requested on createStream.
const chunkSize = 128

// ErrNotConnected is returned by Send before a successful Connect.
var ErrNotConnected = errors.New("rtmp: not connected")

// Transport publishes FLV tag bodies over one RTMP connection. It satisfies
// publish.Transport; the session may call Connect again after a failure and
// Close any number of times.
type Transport struct {
	log *slog.Logger

	mu     sync.Mutex
	client *rtmp.ClientConn
	stream *rtmp.Stream
	// Absolute per-track timestamps accumulated from the session's deltas.
	clock [2]uint32
}

// NewTransport creates an unconnected Transport. log may be nil.
func NewTransport(log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{log: log.With("component", "rtmp")}
}

// Connect dials the endpoint (rtmp://host[:port]/app/streamName), performs
// connect/createStream/publish, and announces the stream metadata. The dial
// runs in a goroutine so ctx cancellation is honored; a connection that
// completes after cancellation is closed and discarded.
func (t *Transport) Connect(ctx context.Context, endpoint string, info publish.StreamInfo) error {
	host, app, name, err := parseEndpoint(endpoint)
	if err != nil {
		return err
	}

	type dialResult struct {
		client *rtmp.ClientConn
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		client, err := rtmp.Dial("rtmp", host, &rtmp.ConnConfig{
			Logger: rtmpLogger(),
		})
		ch <- dialResult{client, err}
	}()

	var client *rtmp.ClientConn
	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("rtmp dial %s: %w", host, res.err)
		}
		client = res.client
	case <-ctx.Done():
		// Drain the dial result in the background and close any leaked connection.
		go func() {
			if res := <-ch; res.client != nil {
				res.client.Close()
			}
		}()
		return ctx.Err()
	}

	if err := client.Connect(&rtmpmsg.NetConnectionConnect{
		Command: rtmpmsg.NetConnectionConnectCommand{
			App:      app,
			Type:     "nonprivate",
			FlashVer: "FMLE/3.0 (compatible; livepub)",
			TCURL:    "rtmp://" + host + "/" + app,
		},
	}); err != nil {
		client.Close()
		return fmt.Errorf("rtmp connect: %w", err)
	}

	stream, err := client.CreateStream(&rtmpmsg.NetConnectionCreateStream{}, chunkSize)
	if err != nil {
		client.Close()
		return fmt.Errorf("rtmp createStream: %w", err)
	}

	if err := stream.Publish(&rtmpmsg.NetStreamPublish{
		PublishingName: name,
		PublishingType: "live",
	}); err != nil {
		stream.Close()
		client.Close()
		return fmt.Errorf("rtmp publish %q: %w", name, err)
	}

	if err := writeMetadata(stream, info); err != nil {
		stream.Close()
		client.Close()
		return fmt.Errorf("rtmp metadata: %w", err)
	}

	t.mu.Lock()
	t.closeLocked()
	t.client = client
	t.stream = stream
	t.clock = [2]uint32{}
	t.mu.Unlock()

	t.log.Info("publishing", "host", host, "app", app, "stream", name)
	return nil
}

// Send forwards one FLV tag body. The per-track delta is accumulated into
// the absolute timestamp RTMP chunking expects. Blocks until the message is
// accepted by the connection's writer; the lock is not held across the
// write so a concurrent Close can tear down the connection and unblock it.
func (t *Transport) Send(ctx context.Context, tag []byte, kind media.Kind, deltaMs uint32) error {
	t.mu.Lock()
	stream := t.stream
	if stream == nil {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.clock[kind] += deltaMs
	ts := t.clock[kind]
	t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	switch kind {
	case media.KindVideo:
		return stream.Write(csidVideo, ts, &rtmpmsg.VideoMessage{
			Payload: bytes.NewReader(tag),
		})
	default:
		return stream.Write(csidAudio, ts, &rtmpmsg.AudioMessage{
			Payload: bytes.NewReader(tag),
		})
	}
}

// Close tears down the stream and connection. Safe to call repeatedly and
// before Connect.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
	return nil
}

func (t *Transport) closeLocked() {
	if t.stream != nil {
		t.stream.Close()
		t.stream = nil
	}
	if t.client != nil {
		t.client.Close()
		t.client = nil
	}
}

// parseEndpoint splits rtmp://host[:port]/app[/sub]/streamName into the
// dial address, the application path, and the publishing name. Failures
// wrap publish.ErrNoRetry: a bad endpoint never gets better by retrying.
func parseEndpoint(endpoint string) (host, app, name string, err error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: invalid endpoint %q: %v", publish.ErrNoRetry, endpoint, err)
	}
	if u.Scheme != "rtmp" {
		return "", "", "", fmt.Errorf("%w: unsupported scheme %q", publish.ErrNoRetry, u.Scheme)
	}

	host = u.Host
	if host == "" {
		return "", "", "", fmt.Errorf("%w: endpoint %q has no host", publish.ErrNoRetry, endpoint)
	}
	if u.Port() == "" {
		host += ":" + defaultPort
	}

	path := strings.Trim(u.Path, "/")
	slash := strings.LastIndex(path, "/")
	if slash <= 0 {
		return "", "", "", fmt.Errorf("%w: endpoint %q needs an app and a stream name", publish.ErrNoRetry, endpoint)
	}
	return host, path[:slash], path[slash+1:], nil
}

// writeMetadata announces the stream parameters via @setDataFrame, the way
// encoders introduce an FLV stream to the server.
func writeMetadata(stream *rtmp.Stream, info publish.StreamInfo) error {
	meta := map[string]interface{}{
		"duration":        0,
		"width":           info.Width,
		"height":          info.Height,
		"videocodecid":    "avc1",
		"videodatarate":   info.VideoBitrate / 1000,
		"framerate":       info.FrameRate,
		"audiocodecid":    "mp4a",
		"audiodatarate":   info.AudioBitrate / 1000,
		"audiosamplerate": info.SampleRate,
		"audiosamplesize": info.BitDepth,
		"stereo":          info.Channels > 1,
		"encoder":         "livepub/1.0",
	}

	body := new(bytes.Buffer)
	enc := amf0.NewEncoder(body)
	for _, v := range []interface{}{"@setDataFrame", "onMetaData", meta} {
		if err := enc.Encode(v); err != nil {
			return err
		}
	}

	return stream.Write(csidData, 0, &rtmpmsg.DataMessage{
		Name:     "@setDataFrame",
		Encoding: rtmpmsg.EncodingTypeAMF0,
		Body:     body,
	})
}

// rtmpLogger bridges go-rtmp's logrus dependency, keeping its internal
// chatter out of the way unless something goes wrong.
func rtmpLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}
