package usecase

import (
	"errors"
	"io"

	"voicealarm/internal/logging"
	"voicealarm/internal/ports"
)

// pumpAudioChunks forwards raw capture frames to the recognizer until either
// side of the pipe ends. Teardown of capture or recognizer surfaces here as a
// read or send error, so errors are logged rather than published.
func pumpAudioChunks(audio ports.AudioSession, stream ports.StreamingSession, chunkSize int, done chan struct{}) {
	defer close(done)

	if chunkSize < 256 {
		chunkSize = 4096
	}

	buf := make([]byte, chunkSize)
	for {
		n, err := audio.Read(buf)
		if n > 0 {
			if sendErr := stream.SendAudio(buf[:n]); sendErr != nil {
				logging.Debugw("stopped streaming audio", "err", sendErr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logging.Debugw("audio capture read ended", "err", err)
			}
			return
		}
	}
}
