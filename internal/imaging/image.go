// Package imaging decodes fetched bytes into images. The raw encoded payload
// travels with the decoded pixels so callers can serve or persist it without
// re-encoding.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// ErrDecode 表示字节流不是可识别的图片。
var ErrDecode = errors.New("image decode failed")

// Image 是解码后的图片，创建后只读，可在多个请求之间共享。
type Image struct {
	Decoded image.Image
	Format  string
	Raw     []byte
	Width   int
	Height  int
}

// Cost 近似图片在内存中的占用：RGBA 像素字节数 + 原始编码长度。
func (i *Image) Cost() int64 {
	if i == nil {
		return 0
	}
	return int64(i.Width)*int64(i.Height)*4 + int64(len(i.Raw))
}

// ContentType 根据解码格式返回 MIME 类型。
func (i *Image) ContentType() string {
	if i == nil {
		return ""
	}
	switch i.Format {
	case "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// Decoder 将字节解码为图片，便于测试注入替身。
type Decoder interface {
	Decode(data []byte) (*Image, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(data []byte) (*Image, error)

// Decode makes DecoderFunc satisfy Decoder.
func (f DecoderFunc) Decode(data []byte) (*Image, error) {
	return f(data)
}

// DefaultMaxPixels 是单张图片允许的最大像素数（约 5000x5000）。
const DefaultMaxPixels int64 = 25_000_000

// Default 使用标准库注册的 jpeg/png/gif 以及 webp 解码器，像素上限为 DefaultMaxPixels。
var Default Decoder = NewDecoder(DefaultMaxPixels)

// NewDecoder 返回带像素上限的 Decoder；maxPixels <= 0 时使用 DefaultMaxPixels。
// 解码前先读取头部尺寸，超限的图片不会分配像素缓冲区。
func NewDecoder(maxPixels int64) Decoder {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return DecoderFunc(func(data []byte) (*Image, error) {
		return decode(data, maxPixels)
	})
}

// Decode 使用默认像素上限解码 data；空数据、无法识别的格式与超限尺寸都返回包装了 ErrDecode 的错误。
func Decode(data []byte) (*Image, error) {
	return decode(data, DefaultMaxPixels)
}

func decode(data []byte, maxPixels int64) (*Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrDecode, cfg.Width, cfg.Height)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, maxPixels)
	}

	decoded, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	bounds := decoded.Bounds()
	return &Image{
		Decoded: decoded,
		Format:  format,
		Raw:     data,
		Width:   bounds.Dx(),
		Height:  bounds.Dy(),
	}, nil
}
