//go:build !linux

package gadget

import "context"

func Run(context.Context, string, *Gadget) error { return ErrUnsupported }
