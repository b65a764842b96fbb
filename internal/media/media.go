package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"echo-forge-go/internal/chunker"
	"echo-forge-go/internal/types"
	"echo-forge-go/pkg/executor"
)

// Converter normalizes compressed audio and video into 16 kHz mono PCM WAV
// so the chunker can cut it on frame boundaries.
type Converter struct {
	bin     string
	tempDir string
	exec    executor.Executor
	log     *logrus.Entry
}

func NewConverter(bin, tempDir string, exec executor.Executor, log *logrus.Entry) *Converter {
	return &Converter{bin: bin, tempDir: tempDir, exec: exec, log: log.WithField("component", "media")}
}

// Enabled reports whether an ffmpeg binary is configured.
func (c *Converter) Enabled() bool {
	return c != nil && c.bin != ""
}

// ToWAV returns payload unchanged when it already is WAV. Otherwise ffmpeg
// decodes it and the new file name carries a .wav extension.
func (c *Converter) ToWAV(ctx context.Context, fileName string, payload []byte) ([]byte, string, error) {
	if chunker.IsWAV(payload) || !c.Enabled() {
		return payload, fileName, nil
	}
	if len(payload) == 0 {
		return nil, "", types.NewDecodeError("convert", errors.New("empty media"))
	}

	dir, err := os.MkdirTemp(c.tempDir, "convert-*")
	if err != nil {
		return nil, "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		ext = ".bin"
	}
	in := filepath.Join(dir, "input"+ext)
	out := filepath.Join(dir, "output.wav")
	if err := os.WriteFile(in, payload, 0o600); err != nil {
		return nil, "", fmt.Errorf("write input: %w", err)
	}

	args := []string{
		"-i", in,
		"-vn",
		"-ar", "16000",
		"-ac", "1",
		"-c:a", "pcm_s16le",
		"-threads", "0",
		"-y",
		out,
	}
	c.log.WithFields(logrus.Fields{"file": fileName, "bytes": len(payload)}).Debug("converting media to wav")
	if _, err := c.exec.Execute(ctx, c.bin, args...); err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, "", types.NewConfigurationError("ffmpeg binary %q not found", c.bin)
		}
		return nil, "", types.NewDecodeError("convert", fmt.Errorf("ffmpeg extract audio: %w", err))
	}

	wav, err := os.ReadFile(out)
	if err != nil {
		return nil, "", types.NewDecodeError("convert", fmt.Errorf("read output: %w", err))
	}
	if _, err := chunker.ProbeWAV(wav); err != nil {
		return nil, "", types.NewDecodeError("convert", err)
	}
	return wav, strings.TrimSuffix(fileName, filepath.Ext(fileName)) + ".wav", nil
}
