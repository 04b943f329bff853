//go:build hwmedia

package internal

import (
	"chatlink/pkg/media"

	"github.com/pkg/errors"
)

func newDevices(deny bool) (media.Devices, error) {
	if deny {
		return &media.Synthetic{Deny: true}, nil
	}

	hw, err := media.NewHardware()
	if err != nil {
		return nil, errors.Wrap(err, "hardware capture")
	}

	return hw, nil
}
