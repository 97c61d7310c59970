// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/core/internal/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.HTTP.ListenAddr = "127.0.0.1:0"
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewWiresAllComponents(t *testing.T) {
	d := New(testConfig(), Options{Version: "test"}, testLogger())
	require.NotNil(t, d)
	assert.NotNil(t, d.Registry())
	assert.NotNil(t, d.Monitor())
	assert.NotNil(t, d.resourceMgr)
	assert.NotNil(t, d.orch)
	assert.NotNil(t, d.engine)
	assert.NotNil(t, d.apiSrv)
}

func TestStartShutdownRoundTrip(t *testing.T) {
	d := New(testConfig(), Options{Version: "test"}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, d.Start(ctx))
	// A second Start must refuse to double-start the same daemon.
	assert.Error(t, d.Start(ctx))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	assert.NoError(t, d.Shutdown(shutdownCtx))
}

func TestApplyConfigUpdatesResourceLimits(t *testing.T) {
	d := New(testConfig(), Options{Version: "test"}, testLogger())

	newCfg := testConfig()
	newCfg.Resources.MemoryMaxBytes = 4 << 30
	newCfg.Resources.MemoryWarningBytes = 2 << 30
	newCfg.Resources.CPUMaxUsagePercent = 90
	newCfg.Resources.CPUWarningPercent = 70

	d.ApplyConfig(newCfg)

	limits := d.resourceMgr.Limits()
	assert.Equal(t, int64(4<<30), limits.MemoryMax)
	assert.Equal(t, int64(2<<30), limits.MemoryWarning)
	assert.Equal(t, 90.0, limits.CPUMaxUsage)
	assert.Equal(t, 70.0, limits.CPUWarning)
}
