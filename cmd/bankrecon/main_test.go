package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	_ "github.com/odyssey-erp/bankrecon/testing"
)

func TestMainSkipsInTestMode(t *testing.T) {
	require.NotPanics(t, main)
}
