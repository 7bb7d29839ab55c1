// internal/services/speech.go
package services

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Corphon/GalNovelEngine/internal/llm"
	"github.com/Corphon/GalNovelEngine/internal/utils"
)

// SpeechClip 一句台词的语音
type SpeechClip struct {
	Text   string `json:"text"`
	Format string `json:"format"`
	Audio  []byte `json:"audio"`
}

// SpeechSynthesizer 语音后端；返回 nil 表示没有语音，叙事照常推进
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string) (*SpeechClip, error)
}

// NoopSpeech 不产生语音
type NoopSpeech struct{}

func (NoopSpeech) Synthesize(context.Context, string) (*SpeechClip, error) { return nil, nil }

// ProviderSpeech 基于支持 TTS 的模型提供者
type ProviderSpeech struct {
	provider llm.SpeechProvider
	voice    string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewProviderSpeech provider 不支持语音时返回 NoopSpeech
func NewProviderSpeech(provider llm.Provider, voice string, timeout time.Duration, logger *zap.Logger) SpeechSynthesizer {
	sp, ok := provider.(llm.SpeechProvider)
	if !ok {
		return NoopSpeech{}
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &ProviderSpeech{provider: sp, voice: voice, timeout: timeout, logger: utils.OrNop(logger).Named("speech")}
}

func (s *ProviderSpeech) Synthesize(ctx context.Context, text string) (*SpeechClip, error) {
	text = strings.TrimSpace(text)
	if text == "" || text == "..." {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	audio, err := s.provider.SynthesizeSpeech(ctx, text, s.voice)
	if err != nil {
		s.logger.Warn("语音合成失败", zap.Error(err))
		return nil, err
	}
	if len(audio) == 0 {
		return nil, nil
	}
	return &SpeechClip{Text: text, Format: "mp3", Audio: audio}, nil
}
