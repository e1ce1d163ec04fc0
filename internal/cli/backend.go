package cli

import (
	"fmt"
	"sort"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/image"
	"github.com/Paintersrp/warden/internal/kernel"
	"github.com/Paintersrp/warden/internal/payload"
	"github.com/Paintersrp/warden/internal/sched"
	"github.com/Paintersrp/warden/internal/sched/docker"
	"github.com/Paintersrp/warden/internal/sched/inproc"
	"github.com/Paintersrp/warden/internal/sched/process"

	_ "github.com/Paintersrp/warden/internal/payload/hello"
)

// imageStore returns the store matching the configured backend: payloads
// for inproc, files for process, image references for docker.
func imageStore(doc *config.Document) (image.Store, error) {
	switch doc.Scheduler.Backend {
	case inproc.Name:
		return payload.Images(), nil
	case process.Name:
		if doc.Images.Directory == "" {
			return nil, fmt.Errorf("images.directory is required for the %s backend", process.Name)
		}
		return image.DirStore{Dir: doc.Images.Directory}, nil
	case docker.Name:
		names := make([]string, 0, len(doc.Images.Refs))
		for name := range doc.Images.Refs {
			names = append(names, name)
		}
		sort.Strings(names)
		store := image.NewMemStore()
		for _, name := range names {
			store.Add(image.Image{Name: name, Ref: doc.Images.Refs[name]})
		}
		if doc.Child.Image != "" {
			if _, err := store.Lookup(doc.Child.Image); err != nil {
				store.Add(image.Image{Name: doc.Child.Image})
			}
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported backend %q", doc.Scheduler.Backend)
	}
}

// environment is what a supervisor needs from the outside world.
type environment struct {
	kernel    *kernel.Sim
	scheduler sched.Scheduler
	images    image.Store
}

func newEnvironment(doc *config.Document) (*environment, error) {
	store, err := imageStore(doc)
	if err != nil {
		return nil, err
	}
	scheduler, err := sched.NewRegistry().Lookup(doc.Scheduler.Backend)
	if err != nil {
		return nil, err
	}
	k := kernel.NewSim(
		kernel.WithRAM(doc.Supervisor.RAMQuota.Bytes),
		kernel.WithSlots(doc.Supervisor.CapSlots),
		kernel.WithOwner(doc.Supervisor.Name),
		kernel.WithImages(store),
	)
	return &environment{kernel: k, scheduler: scheduler, images: store}, nil
}
