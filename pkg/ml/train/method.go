// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

// Method is the training objective family of a network configuration.
type Method int

const (
	// MethodPatch trains on patches of the size of the receptive field, each labeled by its center pixel.
	MethodPatch Method = iota

	// MethodFCN trains fully convolutionally on whole images: the network is padded by a resize layer
	// so its output has the size of its input.
	MethodFCN
)

//go:generate go tool enumer -type Method -trimprefix=Method -transform=snake -text -json -output=gen_method_enumer.go method.go
