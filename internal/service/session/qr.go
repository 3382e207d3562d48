package session

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/mdp/qrterminal/v3"
	qrcode "github.com/skip2/go-qrcode"
)

const qrImageSize = 256

// QRRenderer turns a raw QR challenge into something a dashboard can show.
type QRRenderer interface {
	Render(code string) (string, error)
}

// PNGRenderer renders challenges as PNG data URLs and can echo them to the
// terminal for headless pairing.
type PNGRenderer struct {
	Terminal bool
}

// Render 生成 data:image/png;base64 格式的二维码
func (r PNGRenderer) Render(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	if r.Terminal {
		qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
