package audio

import (
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
)

// OpenFFmpegStream uses ffmpeg to open an audio file as a PCM source.
// Requires ffmpeg on the path and executable. The decoder process is
// killed when the source is closed.
func OpenFFmpegStream(path string) (Source, error) {
	cmd := exec.Command("ffmpeg",
		"-i", path,
		"-f", "s16le",
		"-ac", "1",
		"-ar", "48000",
		"-acodec", "pcm_s16le",
		"-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}
	return &processStream{cmd: cmd, out: stdout}, nil
}

// OpenYTDLStream uses youtube-dl and ffmpeg to stream from an internet
// source. Requires both on the path and executable.
func OpenYTDLStream(url string) (Source, error) {
	out, err := exec.Command("youtube-dl",
		"-f", "webm[abr>0]/bestaudio/best",
		"--no-playlist",
		"--print-json",
		"--skip-download",
		url,
	).Output()
	if err != nil {
		return nil, fmt.Errorf("running youtube-dl: %w", err)
	}

	var info struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("parsing youtube-dl output: %w", err)
	}
	if info.URL == "" {
		return nil, fmt.Errorf("youtube-dl output carried no url")
	}
	return OpenFFmpegStream(info.URL)
}

// processStream reads a child process's stdout and kills the child on
// Close.
type processStream struct {
	cmd *exec.Cmd
	out io.ReadCloser
}

func (p *processStream) Read(buf []byte) (int, error) {
	return p.out.Read(buf)
}

func (p *processStream) Close() error {
	// If the kill fails the process is dead already or out of our hands.
	_ = p.cmd.Process.Kill()
	_ = p.out.Close()
	_ = p.cmd.Wait()
	return nil
}
