package session

import (
	"encoding/base64"

	"github.com/rs/zerolog"
	qrcode "github.com/skip2/go-qrcode"
)

// PairingFlow converts the engine's raw one-time pairing challenge into a
// display-ready artifact. The artifact lifecycle (exactly one live artifact
// per session, replaced by newer challenges, cleared on connect) is driven
// by the Manager; this type only does the rendering.
type PairingFlow struct {
	logger zerolog.Logger
}

func NewPairingFlow(logger zerolog.Logger) *PairingFlow {
	return &PairingFlow{logger: logger}
}

// Render returns a data URI containing a QR code PNG of the challenge. If
// rendering fails the raw challenge is returned as a fallback, so the status
// surface is never left without pairing information while a code is
// outstanding.
func (f *PairingFlow) Render(challenge string) string {
	png, err := qrcode.Encode(challenge, qrcode.Medium, 256)
	if err != nil {
		f.logger.Warn().Err(err).Msg("pairing artifact render failed, falling back to raw challenge")
		return challenge
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
