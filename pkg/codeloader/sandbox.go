/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package codeloader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/carverauto/proberadar/pkg/models"
)

// HostModule is the only import namespace a control module may use.
const HostModule = "proberadar"

const (
	defaultMemoryLimitPages = 16 // 1 MiB
	maxHostString           = 4096
)

var (
	ErrBadModule       = errors.New("control module does not compile")
	ErrForbiddenImport = errors.New("control module imports outside the host module")
	ErrMissingExport   = errors.New("control module lacks a referenced export")
)

// hostFunctions lists each host import with its parameter and result
// counts. Every value is an i32.
var hostFunctions = map[string][2]int{
	"set_batch_size":        {1, 1},
	"set_cycle_interval_ms": {1, 1},
	"set_log_level":         {2, 1},
	"report":                {3, 0},
}

// Sandbox compiles and runs control modules under wazero with a memory cap
// and no system interfaces.
type Sandbox struct {
	memoryLimitPages uint32
}

// NewSandbox returns a sandbox limited to memoryLimitPages 64KiB pages.
func NewSandbox(memoryLimitPages uint32) *Sandbox {
	if memoryLimitPages == 0 {
		memoryLimitPages = defaultMemoryLimitPages
	}

	return &Sandbox{memoryLimitPages: memoryLimitPages}
}

func (s *Sandbox) runtime(ctx context.Context) wazero.Runtime {
	cfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(s.memoryLimitPages).
		WithCloseOnContextDone(true)

	return wazero.NewRuntimeWithConfig(ctx, cfg)
}

// Check compiles bin and verifies its imports and the named exports. Each
// export must take no parameters.
func (s *Sandbox) Check(ctx context.Context, bin []byte, exports []string) error {
	r := s.runtime(ctx)
	defer func() { _ = r.Close(ctx) }()

	compiled, err := r.CompileModule(ctx, bin)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadModule, err)
	}

	if len(compiled.ImportedMemories()) > 0 {
		return fmt.Errorf("%w: memory import", ErrForbiddenImport)
	}

	for _, def := range compiled.ImportedFunctions() {
		mod, name, _ := def.Import()

		sig, ok := hostFunctions[name]
		if mod != HostModule || !ok {
			return fmt.Errorf("%w: %s.%s", ErrForbiddenImport, mod, name)
		}

		if !allI32(def.ParamTypes(), sig[0]) || !allI32(def.ResultTypes(), sig[1]) {
			return fmt.Errorf("%w: %s.%s has the wrong signature", ErrForbiddenImport, mod, name)
		}
	}

	defs := compiled.ExportedFunctions()

	for _, name := range exports {
		def, ok := defs[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrMissingExport, name)
		}

		if len(def.ParamTypes()) != 0 {
			return fmt.Errorf("%w: %q must take no parameters", ErrMissingExport, name)
		}
	}

	return nil
}

func allI32(types []api.ValueType, n int) bool {
	if len(types) != n {
		return false
	}

	for _, t := range types {
		if t != api.ValueTypeI32 {
			return false
		}
	}

	return true
}

// Invoke instantiates bin once and calls each export in order. Host calls
// are routed to rt.
func (s *Sandbox) Invoke(ctx context.Context, bin []byte, exports []string, rt Runtime) error {
	r := s.runtime(ctx)
	defer func() { _ = r.Close(ctx) }()

	if err := instantiateHost(ctx, r, rt); err != nil {
		return err
	}

	mod, err := r.InstantiateWithConfig(ctx, bin, wazero.NewModuleConfig().WithName("control").WithStartFunctions())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadModule, err)
	}

	for _, name := range exports {
		fn := mod.ExportedFunction(name)
		if fn == nil {
			return fmt.Errorf("%w: %q", ErrMissingExport, name)
		}

		if _, err := fn.Call(ctx); err != nil {
			return fmt.Errorf("export %q: %w", name, err)
		}
	}

	return nil
}

func readString(m api.Module, ptr, length uint32) (string, bool) {
	if length > maxHostString || m.Memory() == nil {
		return "", false
	}

	b, ok := m.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}

	return string(b), true
}

var severities = []models.Severity{
	models.SeverityDebug,
	models.SeverityInfo,
	models.SeverityWarning,
	models.SeverityError,
	models.SeverityFatal,
}

// instantiateHost exposes the host functions. Each returns 0 on success and
// 1 when the runtime refused the call.
func instantiateHost(ctx context.Context, r wazero.Runtime, rt Runtime) error {
	status := func(err error) uint32 {
		if err != nil {
			return 1
		}

		return 0
	}

	_, err := r.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, n uint32) uint32 {
			return status(rt.SetBatchSize(int(n)))
		}).
		Export("set_batch_size").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, ms uint32) uint32 {
			return status(rt.SetCycleInterval(time.Duration(ms) * time.Millisecond))
		}).
		Export("set_cycle_interval_ms").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, m api.Module, ptr, length uint32) uint32 {
			level, ok := readString(m, ptr, length)
			if !ok {
				return 1
			}

			return status(rt.SetLogLevel(level))
		}).
		Export("set_log_level").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, length, sev uint32) {
			msg, ok := readString(m, ptr, length)
			if !ok {
				return
			}

			severity := models.SeverityError
			if int(sev) < len(severities) {
				severity = severities[sev]
			}

			rt.Report(ctx, msg, severity)
		}).
		Export("report").
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("instantiate host module: %w", err)
	}

	return nil
}
