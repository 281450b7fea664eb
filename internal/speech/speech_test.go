package speech

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/live-classifier/internal/report"
	"github.com/Brownie44l1/live-classifier/internal/topk"
)

type fakeSynth struct {
	locker  sync.Mutex
	phrases []string
}

func (s *fakeSynth) Synthesize(_ context.Context, text string) (*Audio, error) {
	s.locker.Lock()
	defer s.locker.Unlock()
	s.phrases = append(s.phrases, text)
	return &Audio{SampleRate: 22050, Channels: 1}, nil
}

func (s *fakeSynth) Phrases() []string {
	s.locker.Lock()
	defer s.locker.Unlock()
	return append([]string(nil), s.phrases...)
}

type blockingPlayer struct {
	release chan struct{}
}

func (p *blockingPlayer) Play(ctx context.Context, _ *Audio) error {
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func reportWithTop(label string, confidence float32) report.Report {
	return report.Report{TopK: topk.Result{
		{Index: 0, Label: label, Score: confidence, Confidence: confidence},
		{Index: 1, Label: "other", Score: 0.01, Confidence: 0.01},
	}}
}

func TestPhrase(t *testing.T) {
	assert.Equal(t, "This is likely a goldfish", Phrase(topk.Entry{Label: "goldfish", Confidence: 0.9}, DefaultLikelyThreshold))
	assert.Equal(t, "This might be a goldfish", Phrase(topk.Entry{Label: "goldfish", Confidence: 0.75}, DefaultLikelyThreshold))
	assert.Equal(t, "This might be a goldfish", Phrase(topk.Entry{Label: "goldfish", Confidence: 0.2}, DefaultLikelyThreshold))
}

func TestAnnouncerSuppressesWhilePlaying(t *testing.T) {
	ctx := context.Background()
	synth := &fakeSynth{}
	player := &blockingPlayer{release: make(chan struct{})}
	a := NewAnnouncer(synth, player, true)

	a.Publish(ctx, reportWithTop("goldfish", 0.9))
	require.Eventually(t, func() bool { return len(synth.Phrases()) == 1 }, time.Second, time.Millisecond)
	assert.True(t, a.Playing())

	a.Publish(ctx, reportWithTop("shark", 0.9))
	a.Publish(ctx, reportWithTop("whale", 0.3))
	assert.Equal(t, uint64(2), a.Suppressed())

	close(player.release)
	require.Eventually(t, func() bool { return !a.Playing() }, time.Second, time.Millisecond)

	a.Publish(ctx, reportWithTop("whale", 0.3))
	require.NoError(t, a.Close())

	assert.Equal(t, []string{"This is likely a goldfish", "This might be a whale"}, synth.Phrases())
	assert.Equal(t, uint64(2), a.Spoken())
}

func TestAnnouncerDisabled(t *testing.T) {
	synth := &fakeSynth{}
	player := &blockingPlayer{release: make(chan struct{})}
	close(player.release)
	a := NewAnnouncer(synth, player, false)

	a.Publish(context.Background(), reportWithTop("goldfish", 0.9))
	a.Publish(context.Background(), report.Report{TopK: topk.Result{{Index: -1}}})
	a.SetEnabled(true)
	a.Publish(context.Background(), report.Report{TopK: topk.Result{{Index: -1}}})
	require.NoError(t, a.Close())

	assert.Empty(t, synth.Phrases())
}

func wavBytes(t *testing.T, sampleRate uint32, channels uint16, pcm []byte, dataSize uint32) []byte {
	t.Helper()
	var b bytes.Buffer
	b.WriteString("RIFF")
	require.NoError(t, binary.Write(&b, binary.LittleEndian, uint32(0xFFFFFFFF)))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	for _, v := range []any{
		uint32(16), uint16(1), channels, sampleRate,
		sampleRate * uint32(channels) * 2, channels * 2, uint16(16),
	} {
		require.NoError(t, binary.Write(&b, binary.LittleEndian, v))
	}
	b.WriteString("data")
	require.NoError(t, binary.Write(&b, binary.LittleEndian, dataSize))
	b.Write(pcm)
	return b.Bytes()
}

func TestParseWAV(t *testing.T) {
	pcm := make([]byte, 22050*2)
	audio, err := ParseWAV(wavBytes(t, 22050, 1, pcm, uint32(len(pcm))))
	require.NoError(t, err)
	assert.Equal(t, 22050, audio.SampleRate)
	assert.Equal(t, 1, audio.Channels)
	assert.Len(t, audio.PCM, len(pcm))
	assert.Equal(t, time.Second, audio.Duration())
}

func TestParseWAVStreamedSizes(t *testing.T) {
	pcm := []byte{1, 0, 2, 0}
	audio, err := ParseWAV(wavBytes(t, 16000, 1, pcm, 0xFFFFFFFF))
	require.NoError(t, err)
	assert.Equal(t, pcm, audio.PCM)
}

func TestParseWAVRejectsGarbage(t *testing.T) {
	_, err := ParseWAV([]byte("not a wav file"))
	require.Error(t, err)
}

func TestCommandSynthesizerArgs(t *testing.T) {
	s := NewCommandSynthesizer("", "en-us")
	s.Speed = 150
	assert.Equal(t, "espeak", s.Command)
	assert.Equal(t, []string{"--stdout", "-v", "en-us", "-s", "150", "This is likely a cat"}, s.args("This is likely a cat"))
}

func TestAnnouncerCloseRacesPublish(t *testing.T) {
	synth := &fakeSynth{}
	player := &blockingPlayer{release: make(chan struct{})}
	close(player.release)
	a := NewAnnouncer(synth, player, true)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				a.Publish(context.Background(), reportWithTop("goldfish", 0.9))
			}
		}()
	}
	require.NoError(t, a.Close())
	spokenAtClose := len(synth.Phrases())
	wg.Wait()

	assert.Equal(t, spokenAtClose, len(synth.Phrases()), "nothing is announced after Close returned")
	assert.False(t, a.Playing())
}
