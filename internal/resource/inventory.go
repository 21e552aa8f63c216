package resource

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// inventoryFile is the on-disk device inventory.
//
//	devices:
//	  - id: sim-5
//	    slots: 5
//	    topology: linear
//	  - id: grid-9
//	    topology: grid:3x3
//	    fidelity: [0.99, 0.98]
//	  - id: custom
//	    slots: 3
//	    edges: [[0, 1], [1, 2]]
type inventoryFile struct {
	Devices []inventoryDevice `yaml:"devices"`
}

type inventoryDevice struct {
	ID       string    `yaml:"id"`
	Slots    int       `yaml:"slots"`
	Topology string    `yaml:"topology"`
	Edges    []Edge    `yaml:"edges"`
	Fidelity []float64 `yaml:"fidelity"`
}

// LoadInventory reads devices from a YAML file.
func LoadInventory(path string) ([]Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading device inventory: %w", err)
	}
	return ParseInventory(data)
}

// ParseInventory decodes a YAML device inventory. Topology shorthands are
// full, linear, ring and grid:RxC; explicit edges are appended to them.
func ParseInventory(data []byte) ([]Device, error) {
	var f inventoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing device inventory: %w", err)
	}

	devices := make([]Device, 0, len(f.Devices))
	seen := make(map[string]bool, len(f.Devices))
	for i, d := range f.Devices {
		dev, err := d.device()
		if err != nil {
			return nil, fmt.Errorf("device %d: %w", i, err)
		}
		if err := dev.Validate(); err != nil {
			return nil, err
		}
		if seen[dev.ID] {
			return nil, fmt.Errorf("duplicate device id %s", dev.ID)
		}
		seen[dev.ID] = true
		devices = append(devices, dev)
	}
	return devices, nil
}

func (d inventoryDevice) device() (Device, error) {
	dev := Device{ID: d.ID, Slots: d.Slots, Fidelity: d.Fidelity}

	shape, arg, _ := strings.Cut(strings.TrimSpace(d.Topology), ":")
	switch shape {
	case "", "custom":
	case "full":
		dev.Edges = FullEdges(d.Slots)
	case "linear":
		dev.Edges = LinearEdges(d.Slots)
	case "ring":
		dev.Edges = RingEdges(d.Slots)
	case "grid":
		rows, cols, err := parseGrid(arg)
		if err != nil {
			return Device{}, err
		}
		if dev.Slots == 0 {
			dev.Slots = rows * cols
		} else if dev.Slots != rows*cols {
			return Device{}, fmt.Errorf("grid %s has %d slots, declared %d", arg, rows*cols, dev.Slots)
		}
		dev.Edges = GridEdges(rows, cols)
	default:
		return Device{}, fmt.Errorf("unknown topology %q", d.Topology)
	}

	dev.Edges = append(dev.Edges, d.Edges...)
	return dev, nil
}

func parseGrid(arg string) (int, int, error) {
	r, c, ok := strings.Cut(strings.ToLower(arg), "x")
	if !ok {
		return 0, 0, fmt.Errorf("grid topology %q must be grid:RxC", arg)
	}
	rows, err := strconv.Atoi(r)
	if err != nil || rows < 1 {
		return 0, 0, fmt.Errorf("invalid grid rows %q", r)
	}
	cols, err := strconv.Atoi(c)
	if err != nil || cols < 1 {
		return 0, 0, fmt.Errorf("invalid grid cols %q", c)
	}
	return rows, cols, nil
}
