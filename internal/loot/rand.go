package loot

import (
	"math/rand"
	"time"
)

// Rand is the random-source capability injected into the synthesizer
// and the free-grant resolver. Tests pin it, production seeds it.
type Rand interface {
	Intn(n int) int
	Float64() float64
}

func NewRand() Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
