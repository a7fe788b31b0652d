package usbio

import "errors"

var (
	errNoDevice     = errors.New("no EDL device found (vendor 0x05C6 product 0x9008)")
	errNoInterface  = errors.New("no bulk IN/OUT interface found on EDL device")
	errNotConnected = errors.New("not connected")
)
