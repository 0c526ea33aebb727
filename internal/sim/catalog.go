package sim

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/joel-Y/WizLock-Tech-App/internal/model"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Catalog is the site hierarchy served by the simulated inventory.
type Catalog struct {
	Buildings []struct {
		ID     string   `yaml:"id"`
		Name   string   `yaml:"name"`
		Floors []string `yaml:"floors"`
	} `yaml:"buildings"`
	Floors []struct {
		ID    string   `yaml:"id"`
		Name  string   `yaml:"name"`
		Rooms []string `yaml:"rooms"`
	} `yaml:"floors"`
	Rooms []struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"rooms"`
}

func DefaultCatalog() Catalog {
	c, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog is invalid: %v", err))
	}
	return c
}

func LoadCatalog(path string) (Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(raw)
}

func ParseCatalog(raw []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Catalog{}, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return c, nil
}

func (c Catalog) buildings() []model.Building {
	out := make([]model.Building, 0, len(c.Buildings))
	for _, b := range c.Buildings {
		out = append(out, model.Building{ID: b.ID, Name: b.Name})
	}
	return out
}

func (c Catalog) floors(buildingID string) ([]model.Floor, bool) {
	for _, b := range c.Buildings {
		if b.ID != buildingID {
			continue
		}
		out := make([]model.Floor, 0, len(b.Floors))
		for _, id := range b.Floors {
			for _, f := range c.Floors {
				if f.ID == id {
					out = append(out, model.Floor{ID: f.ID, BuildingID: buildingID, Name: f.Name})
				}
			}
		}
		return out, true
	}
	return nil, false
}

func (c Catalog) rooms(floorID string) ([]model.Room, bool) {
	for _, f := range c.Floors {
		if f.ID != floorID {
			continue
		}
		out := make([]model.Room, 0, len(f.Rooms))
		for _, id := range f.Rooms {
			for _, r := range c.Rooms {
				if r.ID == id {
					out = append(out, model.Room{ID: r.ID, FloorID: floorID, Name: r.Name})
				}
			}
		}
		return out, true
	}
	return nil, false
}

// hasLocation reports whether the building/floor/room triple exists.
func (c Catalog) hasLocation(buildingID, floorID, roomID string) bool {
	floors, ok := c.floors(buildingID)
	if !ok {
		return false
	}
	for _, f := range floors {
		if f.ID != floorID {
			continue
		}
		if roomID == "" {
			return true
		}
		rooms, _ := c.rooms(floorID)
		for _, r := range rooms {
			if r.ID == roomID {
				return true
			}
		}
	}
	return false
}
