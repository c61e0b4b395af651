package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/gorilla/websocket"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'replay' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "replay":
		if err := runReplay(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

// runReplay streams a WAV file into a live session at real-time cadence,
// printing the event stream and optionally saving the spoken reply.
func runReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	var (
		file     = fs.String("file", "", "Path to a 16-bit mono PCM WAV file")
		url      = fs.String("url", "ws://localhost:8080/v1/session", "Session endpoint")
		out      = fs.String("out", "", "Write reply audio to this WAV file")
		chunkMS  = fs.Int("chunk-ms", 20, "Milliseconds of audio per message")
		tailMS   = fs.Int("tail-ms", 1500, "Trailing silence appended after the file")
		lingerMS = fs.Int("linger-ms", 8000, "How long to wait for the reply")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("replay requires --file")
	}

	pcm, sampleRate, err := readWavFile(*file)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", *url, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	var reply []byte
	go func() {
		defer close(done)
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch messageType {
			case websocket.TextMessage:
				fmt.Println(string(data))
			case websocket.BinaryMessage:
				reply = append(reply, data...)
			}
		}
	}()

	chunkBytes := sampleRate * *chunkMS / 1000 * 2
	if chunkBytes <= 0 {
		return errors.New("chunk-ms too small")
	}
	ticker := time.NewTicker(time.Duration(*chunkMS) * time.Millisecond)
	defer ticker.Stop()

	tail := make([]byte, sampleRate**tailMS/1000*2)
	stream := append(pcm, tail...)
	for offset := 0; offset < len(stream); offset += chunkBytes {
		<-ticker.C
		end := offset + chunkBytes
		if end > len(stream) {
			end = len(stream)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, stream[offset:end]); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
	}

	select {
	case <-done:
	case <-time.After(time.Duration(*lingerMS) * time.Millisecond):
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
		<-done
	}

	if *out != "" && len(reply) > 0 {
		if err := writeWavFile(*out, reply, sampleRate); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %d bytes of reply audio to %s\n", len(reply), *out)
	}
	return nil
}

func readWavFile(path string) ([]byte, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("%s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", path, err)
	}
	if dec.BitDepth != 16 {
		return nil, 0, fmt.Errorf("%s: expected 16-bit samples, got %d", path, dec.BitDepth)
	}
	if dec.NumChans != 1 {
		return nil, 0, fmt.Errorf("%s: expected mono audio, got %d channels", path, dec.NumChans)
	}

	pcm := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}
	return pcm, buf.Format.SampleRate, nil
}

func writeWavFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
	}
	buf.Data = make([]int, len(pcm)/2)
	for i := range buf.Data {
		buf.Data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return enc.Close()
}
