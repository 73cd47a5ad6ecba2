//go:build !linux && !darwin

package platform

import (
	"context"
	"errors"
	"runtime"
)

type unsupportedPlatform struct{}

func newPlatform() Platform { return unsupportedPlatform{} }

func (unsupportedPlatform) ListListeningPorts(context.Context) ([]ListenEntry, error) {
	return nil, errors.New("listing listening ports is not supported on " + runtime.GOOS)
}

func (unsupportedPlatform) Descendants(context.Context, int) map[int]struct{} {
	return map[int]struct{}{}
}
