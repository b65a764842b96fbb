package chunker

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"echo-forge-go/internal/types"
)

const wavHeaderSize = 44

// Chunker splits media into provider-sized pieces on fixed time boundaries.
// Boundaries ignore speech, so a word can be cut in two.
type Chunker struct {
	maxSeconds float64
	maxBytes   int64
}

func New(maxDuration time.Duration, maxBytes int64) *Chunker {
	return &Chunker{maxSeconds: maxDuration.Seconds(), maxBytes: maxBytes}
}

// Plan is the outcome of a split.
type Plan struct {
	Chunks          []types.Chunk
	DurationSeconds float64
}

// Split cuts payload into chunks. WAV input is cut on sample-frame
// boundaries and every chunk gets its own header; other containers are cut
// by size, with time ranges interpolated when durationHint is known.
// Payloads whose leading bytes match no known container are rejected.
func (c *Chunker) Split(jobID, fileName string, payload []byte, durationHint float64) (Plan, error) {
	if len(payload) == 0 {
		return Plan{}, types.NewDecodeError("split", errors.New("empty input"))
	}
	if IsWAV(payload) {
		info, err := ProbeWAV(payload)
		if err != nil {
			return Plan{}, types.NewDecodeError("split", err)
		}
		return c.splitWAV(jobID, fileName, payload, info)
	}
	if Container(payload) == "" {
		return Plan{}, types.NewDecodeError("split", errors.New("unrecognized media container"))
	}
	return c.splitBytes(jobID, fileName, payload, durationHint)
}

func (c *Chunker) splitWAV(jobID, fileName string, payload []byte, info WAVInfo) (Plan, error) {
	duration := info.DurationSeconds()
	if duration <= 0 {
		return Plan{}, types.NewDecodeError("split", errors.New("zero-duration audio"))
	}

	seconds := c.maxSeconds
	if bySize := float64(c.maxBytes-wavHeaderSize) / float64(info.ByteRate()); bySize < seconds {
		seconds = bySize
	}
	block := info.BlockAlign()
	span := int64(seconds*float64(info.SampleRate)) * block
	if span < block {
		span = block
	}

	n := int((info.DataSize + span - 1) / span)
	chunks := make([]types.Chunk, 0, n)
	rate := float64(info.ByteRate())
	for i := 0; i < n; i++ {
		start := int64(i) * span
		end := min(start+span, info.DataSize)
		data := payload[info.DataOffset+start : info.DataOffset+end]
		chunks = append(chunks, types.Chunk{
			JobID:        jobID,
			Index:        i,
			StartSeconds: float64(start) / rate,
			EndSeconds:   float64(end) / rate,
			ByteStart:    info.DataOffset + start,
			ByteEnd:      info.DataOffset + end,
			FileName:     partName(fileName, i, n, ".wav"),
			State:        types.ChunkPending,
			Payload:      encodeWAV(info, data),
		})
	}
	return Plan{Chunks: chunks, DurationSeconds: duration}, nil
}

func (c *Chunker) splitBytes(jobID, fileName string, payload []byte, duration float64) (Plan, error) {
	size := int64(len(payload))
	n := int((size + c.maxBytes - 1) / c.maxBytes)
	if duration > 0 {
		n = max(n, int(math.Ceil(duration/c.maxSeconds)))
	}
	n = max(n, 1)

	span := (size + int64(n) - 1) / int64(n)
	ext := filepath.Ext(fileName)
	chunks := make([]types.Chunk, 0, n)
	for i := 0; i < n; i++ {
		start := int64(i) * span
		if start >= size {
			break
		}
		end := min(start+span, size)
		ch := types.Chunk{
			JobID:     jobID,
			Index:     i,
			ByteStart: start,
			ByteEnd:   end,
			FileName:  partName(fileName, i, n, ext),
			State:     types.ChunkPending,
			Payload:   payload[start:end:end],
		}
		if duration > 0 {
			ch.StartSeconds = duration * float64(start) / float64(size)
			ch.EndSeconds = duration * float64(end) / float64(size)
		}
		chunks = append(chunks, ch)
	}
	return Plan{Chunks: chunks, DurationSeconds: duration}, nil
}

func partName(fileName string, i, n int, ext string) string {
	if fileName == "" {
		fileName = "audio" + ext
	}
	if n == 1 {
		return fileName
	}
	base := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	return fmt.Sprintf("%s_part%03d%s", base, i, ext)
}

// Transcript is the stitched result of all chunk transcriptions.
type Transcript struct {
	Text         string
	Segments     []types.Segment
	Language     string
	Confidence   float64
	AudioSeconds float64
}

// Reassemble joins chunk transcripts in index order with a single space and
// shifts segment timestamps by each chunk's start. Completion order does not
// matter; every index from 0 to len-1 must be present and transcribed.
func Reassemble(chunks []types.Chunk) (Transcript, error) {
	if len(chunks) == 0 {
		return Transcript{}, errors.New("reassemble: no chunks")
	}
	ordered := make([]types.Chunk, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	var (
		out        Transcript
		texts      []string
		confWeight float64
		lastEnd    float64
	)
	for i, ch := range ordered {
		if ch.Index != i {
			return Transcript{}, fmt.Errorf("reassemble: missing chunk %d", i)
		}
		if ch.Transcript == nil {
			return Transcript{}, fmt.Errorf("reassemble: chunk %d has no transcript", i)
		}
		tr := ch.Transcript
		if text := strings.TrimSpace(tr.Text); text != "" {
			texts = append(texts, text)
		}
		if out.Language == "" {
			out.Language = tr.Language
		}
		weight := tr.AudioSeconds
		if weight <= 0 {
			weight = max(ch.DurationSeconds(), 1)
		}
		out.Confidence += tr.Confidence * weight
		confWeight += weight
		out.AudioSeconds += tr.AudioSeconds

		segs := tr.Segments
		if len(segs) == 0 && strings.TrimSpace(tr.Text) != "" {
			segs = []types.Segment{{Start: 0, End: ch.DurationSeconds(), Text: tr.Text}}
		}
		for _, s := range segs {
			s.Start += ch.StartSeconds
			s.End += ch.StartSeconds
			s.Text = strings.TrimSpace(s.Text)
			if s.Start < lastEnd {
				s.Start = lastEnd
			}
			if s.End < s.Start {
				s.End = s.Start
			}
			lastEnd = s.End
			out.Segments = append(out.Segments, s)
		}
	}

	// Silent audio yields an empty transcript, not an error.
	out.Text = strings.Join(texts, " ")
	if confWeight > 0 {
		out.Confidence /= confWeight
	}
	return out, nil
}

// Render formats the transcript for the requested output format.
func Render(t Transcript, format types.OutputFormat) string {
	switch format {
	case types.FormatSRT:
		return RenderSRT(t.Segments)
	case types.FormatVTT:
		return RenderVTT(t.Segments)
	default:
		return t.Text
	}
}
