package speech

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

const otoBufferSize = 100 * time.Millisecond

// OtoPlayer plays clips through the system audio device.
//
// oto allows a single context per process, so the format of the first clip
// (sample rate, channels) is used for all later ones.
type OtoPlayer struct {
	locker     sync.Mutex
	context    *oto.Context
	sampleRate int
	channels   int
}

var _ Player = (*OtoPlayer)(nil)

func NewOtoPlayer() *OtoPlayer {
	return &OtoPlayer{}
}

func (p *OtoPlayer) getContext(audio *Audio) (*oto.Context, error) {
	p.locker.Lock()
	defer p.locker.Unlock()

	if p.context != nil {
		if audio.SampleRate != p.sampleRate || audio.Channels != p.channels {
			return nil, fmt.Errorf(
				"the audio device was opened for %d Hz x %d, but received %d Hz x %d",
				p.sampleRate, p.channels, audio.SampleRate, audio.Channels,
			)
		}
		return p.context, nil
	}

	otoCtx, readyChan, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   audio.SampleRate,
		ChannelCount: audio.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   otoBufferSize,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to initialize an oto context: %w", err)
	}
	<-readyChan

	p.context = otoCtx
	p.sampleRate = audio.SampleRate
	p.channels = audio.Channels
	return otoCtx, nil
}

func (p *OtoPlayer) Play(ctx context.Context, audio *Audio) error {
	otoCtx, err := p.getContext(audio)
	if err != nil {
		return err
	}

	player := otoCtx.NewPlayer(bytes.NewReader(audio.PCM))
	player.Play()
	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			player.Pause()
			_ = player.Close()
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	if err := player.Close(); err != nil {
		return fmt.Errorf("unable to close the player: %w", err)
	}
	return nil
}
