package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/openitem/internal/app"
	_ "github.com/odyssey-erp/openitem/internal/testing/guard"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	require.True(t, app.InTestMode())
	require.NotPanics(t, main)
}
