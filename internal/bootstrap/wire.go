package bootstrap

import (
	"voicealarm/internal/audio"
	"voicealarm/internal/config"
	"voicealarm/internal/match"
	"voicealarm/internal/notify"
	"voicealarm/internal/permission"
	"voicealarm/internal/ports"
	"voicealarm/internal/providers/deepgram"
	"voicealarm/internal/rules"
	"voicealarm/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Controller  *usecase.DismissalController
	Broadcaster *notify.Broadcaster
	Matcher     *match.Matcher
	Config      config.Config
}

// Build wires all dependencies for the current runtime. prompt resolves the
// platform permission dialog; nil means always granted.
func Build(prompt permission.PromptFunc) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}

	keywords := cfg.Match.Keywords
	if len(keywords) == 0 {
		fileKeywords, err := match.LoadPhrasesFile(cfg.Match.KeywordsFile)
		if err != nil {
			return Services{}, err
		}
		keywords = fileKeywords
	}

	matcher := match.NewMatcher(cfg.Match.Threshold, keywords)
	broadcaster := notify.NewBroadcaster()

	rewriter, err := rules.NewRewriter(cfg.Match.RewritesFile, 0)
	if err != nil {
		return Services{}, err
	}

	controller := usecase.NewDismissalController(
		permission.NewGate(prompt),
		audio.NewFFmpegCapture(cfg.Audio.RecorderCommand),
		deepgram.NewProvider(deepgram.Config{
			APIKey:      cfg.Deepgram.APIKey,
			APIBaseURL:  cfg.Deepgram.APIBaseURL,
			Model:       cfg.Deepgram.Model,
			Language:    cfg.Deepgram.Language,
			SmartFormat: cfg.Deepgram.SmartFormat,
		}),
		matcher,
		broadcaster,
		usecase.Config{
			Audio: ports.AudioConfig{
				SampleRate:  cfg.Audio.SampleRate,
				Channels:    cfg.Audio.Channels,
				InputFormat: cfg.Audio.InputFormat,
				InputDevice: cfg.Audio.InputDevice,
			},
			Streaming: ports.StreamingConfig{
				SampleRate:     cfg.Audio.SampleRate,
				Channels:       cfg.Audio.Channels,
				Encoding:       "linear16",
				InterimResults: true,
			},
			Rewriter:      rewriter,
			ChunkSize:     cfg.Session.ChunkSize,
			ListenTimeout: cfg.Session.ListenTimeout,
		},
	)

	return Services{
		Controller:  controller,
		Broadcaster: broadcaster,
		Matcher:     matcher,
		Config:      cfg,
	}, nil
}
