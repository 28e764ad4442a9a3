// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package activations implements the elementwise nonlinearities used by the network, and a generic Apply method
// to apply an activation by its type.
//
// There is also FromName to convert an activation name (string) to its type, and Layer, which applies an
// activation as a node of a NetGraph.
package activations

import (
	"math"

	"github.com/gomlx/exceptions"
)

// Type is an enum for the supported activation functions.
//
// It is converted to snake-format strings (e.g.: TypeSigmoid -> "sigmoid"), and can be converted
// from string by using TypeString or FromName.
type Type int

const (
	TypeNone Type = iota
	TypeTanh
	TypeSigmoid
	TypeRelu
)

//go:generate go tool enumer -type Type -trimprefix=Type -transform=snake -text -json -output=gen_type_enumer.go activations.go

// IsBounded returns whether the activation output is bounded. Loss layers require a bounded activation.
func (t Type) IsBounded() bool {
	return t == TypeTanh || t == TypeSigmoid
}

// IsSymmetric returns whether the activation output range is symmetric around 0: [-1, 1] for tanh.
// Labels for a symmetric activation use -1 for the negative class, otherwise 0.
func (t Type) IsSymmetric() bool {
	return t == TypeTanh
}

// Range returns the output range of a bounded activation. For unbounded ones it returns (-Inf, +Inf), or
// (0, +Inf) for relu.
func (t Type) Range() (low, high float64) {
	switch t {
	case TypeTanh:
		return -1, 1
	case TypeSigmoid:
		return 0, 1
	case TypeRelu:
		return 0, math.Inf(1)
	default:
		return math.Inf(-1), math.Inf(1)
	}
}

// Apply the given activation type to x.
// The TypeNone activation is the identity.
func Apply(activation Type, x float32) float32 {
	switch activation {
	case TypeNone:
		return x
	case TypeTanh:
		return float32(math.Tanh(float64(x)))
	case TypeSigmoid:
		return Sigmoid(x)
	case TypeRelu:
		return max(x, 0)
	default:
		exceptions.Panicf("Apply got invalid activation value %q: options are %v", activation, TypeValues())
	}
	return 0
}

// Derivative of the activation, expressed in terms of its output y = Apply(activation, x).
func Derivative(activation Type, y float32) float32 {
	switch activation {
	case TypeNone:
		return 1
	case TypeTanh:
		return 1 - y*y
	case TypeSigmoid:
		return y * (1 - y)
	case TypeRelu:
		if y > 0 {
			return 1
		}
		return 0
	default:
		exceptions.Panicf("Derivative got invalid activation value %q: options are %v", activation, TypeValues())
	}
	return 0
}

// Sigmoid returns 1/(1+exp(-x)).
func Sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// FromName converts the name of an activation to its type.
// It panics with a helpful message if name is invalid.
//
// And empty string is converted to TypeNone.
func FromName(activationName string) Type {
	if activationName == "" {
		return TypeNone
	}
	activation, err := TypeString(activationName)
	if err != nil {
		exceptions.Panicf("invalid activation name %q: options are %v", activationName, TypeValues())
	}
	return activation
}

// ForClasses returns the bounded activation used for the output of a network with the given number of classes:
// tanh for a single (binary) class, and sigmoid for more classes.
func ForClasses(classes int) Type {
	if classes <= 1 {
		return TypeTanh
	}
	return TypeSigmoid
}
