//go:build !hwmedia

package internal

import (
	"chatlink/pkg/media"
)

func newDevices(deny bool) (media.Devices, error) {
	return &media.Synthetic{Deny: deny}, nil
}
