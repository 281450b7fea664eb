package speech

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandSynthesizer runs an espeak compatible command that writes a WAV
// file to stdout.
type CommandSynthesizer struct {
	Command string
	Voice   string
	// Speed is in words per minute; 0 keeps the command's default.
	Speed int
}

var _ Synthesizer = (*CommandSynthesizer)(nil)

func NewCommandSynthesizer(command, voice string) *CommandSynthesizer {
	if command == "" {
		command = "espeak"
	}
	return &CommandSynthesizer{Command: command, Voice: voice}
}

func (s *CommandSynthesizer) args(text string) []string {
	args := []string{"--stdout"}
	if s.Voice != "" {
		args = append(args, "-v", s.Voice)
	}
	if s.Speed > 0 {
		args = append(args, "-s", fmt.Sprint(s.Speed))
	}
	return append(args, text)
}

func (s *CommandSynthesizer) Synthesize(ctx context.Context, text string) (*Audio, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.Command, s.args(text)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", s.Command, err, strings.TrimSpace(stderr.String()))
	}

	audio, err := ParseWAV(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("unable to parse the output of %s: %w", s.Command, err)
	}
	return audio, nil
}
