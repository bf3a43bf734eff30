package mirror

import (
	"serialkv/internal/codec"
	"serialkv/internal/log"
	"serialkv/internal/model"
)

// KeySource enumerates the live keys of a store.
type KeySource interface {
	ForEach(kind model.Kind, fn func(name string, value []byte))
}

// ProjectChanged applies PYPILINKS change events to a State. The most
// recently handled event for a project wins, which relies on events arriving
// in commit order.
type ProjectChanged struct {
	state  *State
	logger *log.Logger
}

func NewProjectChanged(state *State, logger *log.Logger) *ProjectChanged {
	if logger == nil {
		logger = log.Default().Named("mirror")
	}
	return &ProjectChanged{state: state, logger: logger}
}

// HandleEntry dispatches every event of entry. It matches the store's
// subscriber signature.
func (h *ProjectChanged) HandleEntry(entry *model.ChangelogEntry) {
	for _, ev := range entry.Events() {
		h.Handle(ev)
	}
}

func (h *ProjectChanged) Handle(ev model.Event) {
	switch ev.Kind {
	case model.KindPyPILinks:
		h.projectLinks(ev)
	case model.KindUser:
		// users are not mirrored
	default:
		h.logger.Debug("ignoring event for unknown kind %v at serial %d", ev.Kind, ev.Serial)
	}
}

func (h *ProjectChanged) projectLinks(ev model.Event) {
	if ev.Op == model.DELETE {
		h.state.Delete(ev.Name)
		return
	}
	links, err := decodeLinks(ev.Name, ev.Value)
	if err != nil {
		h.logger.Warn("skipping PYPILINKS event for %q at serial %d: %v", ev.Name, ev.Serial, err)
		return
	}
	h.state.Set(links.Project, links.Serial)
	h.logger.Debug("project %q now at upstream serial %d", links.Project, links.Serial)
}

// Load seeds the state from the PYPILINKS keys already in src.
func (h *ProjectChanged) Load(src KeySource) {
	snapshot := model.NameSerials{}
	src.ForEach(model.KindPyPILinks, func(name string, value []byte) {
		links, err := decodeLinks(name, value)
		if err != nil {
			h.logger.Warn("skipping stored PYPILINKS value for %q: %v", name, err)
			return
		}
		snapshot[links.Project] = links.Serial
	})
	h.state.Replace(snapshot)
}

func decodeLinks(name string, value []byte) (model.ProjectLinks, error) {
	var links model.ProjectLinks
	if err := codec.Decode(value, &links); err != nil {
		return links, err
	}
	if links.Project == "" {
		links.Project = name
	}
	return links, nil
}
