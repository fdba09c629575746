package fermionctl

import (
	"io"
	"os"

	"github.com/fermionq/fermion/pkg/client"
)

// App is the fermionctl application object. Commands are implemented as
// methods so that tests can capture their output via Out.
type App struct {
	Params *Params
	Out    io.Writer
}

type Params struct {
	ApiConnectionDetails *client.ApiConnectionDetails
}

func New() *App {
	return &App{
		Params: &Params{ApiConnectionDetails: &client.ApiConnectionDetails{}},
		Out:    os.Stdout,
	}
}

func (a *App) client() *client.Client {
	return client.New(a.Params.ApiConnectionDetails)
}
