package scheme

import (
	"asyncre/config"
	"asyncre/exchange"
)

// Date is the smoke-test scheme: subjobs need no input, and every state has
// zero reduced energy, so every attempted swap is accepted. Useful for
// exercising a pilot and a control file end to end.
type Date struct {
	nstates int
}

func (d *Date) CheckInput(cfg *config.Config) error {
	d.nstates = cfg.NReplicas
	return nil
}

func (d *Date) BuildInput(id, stateID, cycle int) error {
	return nil
}

func (d *Date) ExtractEnergies(id, stateID, cycle int) (exchange.Energies, error) {
	u := make(exchange.Energies, d.nstates)
	for s := 0; s < d.nstates; s++ {
		u[s] = 0
	}
	return u, nil
}

func (d *Date) Mode() exchange.Mode {
	return exchange.Pairwise
}
