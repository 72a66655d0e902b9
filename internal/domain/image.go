package domain

// ImageFormat is one of the attachment encodings a host accepts.
type ImageFormat string

const (
	FormatPNG  ImageFormat = "png"
	FormatJPEG ImageFormat = "jpeg"
	FormatJPG  ImageFormat = "jpg"
	FormatGIF  ImageFormat = "gif"
	FormatWebP ImageFormat = "webp"
)

// Valid reports whether the format is in the supported set.
func (f ImageFormat) Valid() bool {
	switch f {
	case FormatPNG, FormatJPEG, FormatJPG, FormatGIF, FormatWebP:
		return true
	}
	return false
}

// ImageAttachment is an image supplied with a prompt. Data is raw base64
// with no data-URI prefix; validation happens before any encryption or
// network I/O.
type ImageAttachment struct {
	Data   string      `json:"data"`
	Format ImageFormat `json:"format"`
}
