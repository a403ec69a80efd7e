package app

import (
	"github.com/specialistvlad/rendergrid/internal/plugin"
	"github.com/specialistvlad/rendergrid/modules/accesslog"
	"github.com/specialistvlad/rendergrid/modules/eventstream"
	"github.com/specialistvlad/rendergrid/modules/metrics"
)

// coreModules is the definitive list of all plugins that are compiled into
// the rendergrid binary.
var coreModules = []plugin.Module{
	&accesslog.Module{},
	&metrics.Module{},
	&eventstream.Module{},
}
