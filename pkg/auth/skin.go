package auth

import "github.com/bridgefall/bedrockd/pkg/protocol"

// skinDimensions are the RGBA skin sizes clients may send.
var skinDimensions = map[[2]int]struct{}{
	{64, 32}:   {},
	{64, 64}:   {},
	{128, 64}:  {},
	{128, 128}: {},
	{256, 128}: {},
	{256, 256}: {},
	{512, 256}: {},
	{512, 512}: {},
}

// ValidateSkin checks that data is exactly width*height RGBA pixels for an
// allowed skin size.
func ValidateSkin(data []byte, width, height int) error {
	if _, ok := skinDimensions[[2]int{width, height}]; !ok {
		return protocol.Errorf(protocol.KindInvalidPacket, "validate skin", "unsupported skin size %dx%d", width, height)
	}
	if want := width * height * 4; len(data) != want {
		return protocol.Errorf(protocol.KindInvalidPacket, "validate skin", "skin is %d bytes, want %d", len(data), want)
	}
	return nil
}
