package stt

import (
	"context"

	"github.com/loqalabs/loqa-recognition/internal/recognition"
)

// AsResolver adapts a backend into the resolver of an external recognizer.
func AsResolver(r Recognizer) recognition.Resolver {
	return recognition.ResolverFunc(func(ctx context.Context, req recognition.ResolveRequest) (string, error) {
		result, err := r.Transcribe(ctx, Request{
			PCM:        req.Audio.PCM,
			SampleRate: req.Audio.SampleRate,
			Channels:   req.Audio.Channels,
			Lang:       req.Lang,
			Final:      true,
		})
		if err != nil {
			return "", err
		}
		return result.Text, nil
	})
}
