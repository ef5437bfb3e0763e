// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security
//
// Licensed under the Functional Source License, Version 1.1,
// ALv2 Future License, the terms and conditions of which are
// set forth in the "LICENSE" file included in the root directory
// of this code repository (the "License"); you may not use this
// file except in compliance with the License. You may obtain
// a copy of the License at
//
// https://fsl.software/FSL-1.1-ALv2.template.md
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tpm mediates all access to the local TPM 2.0 device: EK/AK
// provisioning, credential activation, and quoting. Every operation runs
// through a single Gateway so only one command is ever in flight on the
// command channel at a time.
package tpm

import (
	"fmt"
	"log/slog"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/simulator"
	"github.com/google/go-tpm/tpmutil"
	"github.com/google/go-tpm/tpmutil/mssim"
	"gopkg.in/yaml.v3"
)

// DeviceType selects which physical or simulated TPM backend a Gateway talks to.
type DeviceType int

const (
	// RealDevice talks to /dev/tpmrm0, the kernel resource manager.
	RealDevice DeviceType = iota
	// Simulator talks to an external software TPM over the MSSIM protocol.
	Simulator
	// InMemorySimulator runs an in-process software TPM. Used in tests.
	InMemorySimulator
)

func (t DeviceType) String() string {
	switch t {
	case RealDevice:
		return "RealDevice"
	case Simulator:
		return "Simulator"
	case InMemorySimulator:
		return "InMemorySimulator"
	default:
		return "Unknown"
	}
}

func (t DeviceType) MarshalYAML() (any, error) {
	return t.String(), nil
}

func (t *DeviceType) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	switch s {
	case "RealDevice":
		*t = RealDevice
	case "Simulator":
		*t = Simulator
	case "InMemorySimulator":
		*t = InMemorySimulator
	default:
		return fmt.Errorf("unknown tpm device type: %s", s)
	}

	return nil
}

// DeviceConfig selects and configures the TPM backend a Gateway should use.
type DeviceConfig struct {
	Type                     DeviceType `yaml:"type"`
	Path                     string     `yaml:"path"`
	SimulatorCmdAddress      string     `yaml:"simulator_cmd_address"`
	SimulatorPlatformAddress string     `yaml:"simulator_platform_address"`
}

// Device opens and closes the transport to a TPM. A Device caches its
// transport once opened; Open is idempotent.
type Device interface {
	Open() (transport.TPMCloser, error)
	Close() error
}

// NewDevice constructs the Device described by cfg.
func NewDevice(cfg DeviceConfig) (Device, error) {
	switch cfg.Type {
	case RealDevice:
		path := cfg.Path
		if path == "" {
			path = "/dev/tpmrm0"
		}
		return &realDevice{path: path}, nil
	case Simulator:
		return &mssimDevice{
			cmdAddr:      cfg.SimulatorCmdAddress,
			platformAddr: cfg.SimulatorPlatformAddress,
		}, nil
	case InMemorySimulator:
		return &inMemoryDevice{}, nil
	default:
		return nil, fmt.Errorf("invalid tpm device type: %v", cfg.Type)
	}
}

type realDevice struct {
	path   string
	handle *transport.TPMCloser
}

func (d *realDevice) Open() (transport.TPMCloser, error) {
	if d.handle != nil {
		return *d.handle, nil
	}

	rwc, err := tpmutil.OpenTPM(d.path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", d.path, err)
	}
	slog.Info("using real TPM", "path", d.path)
	tpm := transport.FromReadWriteCloser(rwc)
	d.handle = &tpm
	return tpm, nil
}

func (d *realDevice) Close() error {
	if d.handle != nil {
		return (*d.handle).Close()
	}
	return nil
}

type mssimDevice struct {
	cmdAddr      string
	platformAddr string
	handle       *transport.TPMCloser
}

func (d *mssimDevice) Open() (transport.TPMCloser, error) {
	if d.handle != nil {
		return *d.handle, nil
	}

	conn, err := mssim.Open(mssim.Config{
		CommandAddress:  d.cmdAddr,
		PlatformAddress: d.platformAddr,
	})
	if err != nil {
		return nil, fmt.Errorf("opening mssim TPM: %w", err)
	}
	slog.Info("using simulated TPM over mssim")
	tpm := transport.FromReadWriteCloser(conn)

	if _, err := (tpm2.Startup{StartupType: tpm2.TPMSUClear}).Execute(tpm); err != nil {
		return nil, fmt.Errorf("starting up simulated TPM: %w", err)
	}

	d.handle = &tpm
	return tpm, nil
}

func (d *mssimDevice) Close() error {
	if d.handle != nil {
		return (*d.handle).Close()
	}
	return nil
}

type inMemoryDevice struct {
	handle *transport.TPMCloser
}

func (d *inMemoryDevice) Open() (transport.TPMCloser, error) {
	if d.handle != nil {
		return *d.handle, nil
	}

	tpm, err := simulator.OpenSimulator()
	if err != nil {
		return nil, fmt.Errorf("opening in-memory TPM simulator: %w", err)
	}
	slog.Info("using in-memory TPM simulator")
	d.handle = &tpm
	return tpm, nil
}

func (d *inMemoryDevice) Close() error {
	if d.handle != nil {
		return (*d.handle).Close()
	}
	return nil
}
