// Frontline Perception System
// Copyright (C) 2020-2025 TurbineOne LLC
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package slots

import (
	"errors"
	"math/rand"
	"testing"
)

type modelSlot struct {
	h     Handle
	flags Flag
	refs  int
}

// TestRandomOpsNeverReuseHeldSlot drives a table with random valid operations
// and checks it against a simple model: a slot is free exactly when the model
// holds no flags and no references for it.
func TestRandomOpsNeverReuseHeldSlot(t *testing.T) {
	t.Parallel()

	const (
		capacity = 8
		steps    = 20000
	)

	tbl := newTable(t, capacity, capacity, 64)
	rng := rand.New(rand.NewSource(0x5107)) //nolint:gosec // Deterministic test input.

	model := map[int]*modelSlot{}
	allFlags := []Flag{FlagCodecUse, FlagHALOutput, FlagHALInput, FlagDisplayPending}

	pick := func() *modelSlot {
		if len(model) == 0 {
			return nil
		}

		n := rng.Intn(len(model))
		for _, m := range model {
			if n == 0 {
				return m
			}
			n--
		}

		return nil
	}

	settle := func(m *modelSlot) {
		if m.flags == 0 && m.refs == 0 {
			delete(model, m.h.Index)
		}
	}

	for i := 0; i < steps; i++ {
		m := pick()

		switch op := rng.Intn(5); {
		case op == 0 || m == nil:
			h, err := tbl.GetUnused()
			if len(model) == capacity {
				if !errors.Is(err, ErrNoFreeSlot) {
					t.Fatalf("step %d: GetUnused on full table = %v, %v", i, h, err)
				}

				continue
			}

			if err != nil {
				t.Fatalf("step %d: GetUnused: %v", i, err)
			}

			if held, ok := model[h.Index]; ok {
				t.Fatalf("step %d: slot %d reissued while held (%s refs %d)",
					i, h.Index, held.flags, held.refs)
			}

			model[h.Index] = &modelSlot{h: h, flags: FlagCodecUse}

		case op == 1:
			if err := tbl.SetRef(m.h); err != nil {
				t.Fatalf("step %d: SetRef: %v", i, err)
			}

			m.refs++

		case op == 2:
			if m.refs == 0 {
				continue
			}

			if err := tbl.ClrRef(m.h); err != nil {
				t.Fatalf("step %d: ClrRef: %v", i, err)
			}

			m.refs--
			settle(m)

		case op == 3:
			f := allFlags[rng.Intn(len(allFlags))]
			if err := tbl.SetFlag(m.h, f); err != nil {
				t.Fatalf("step %d: SetFlag: %v", i, err)
			}

			m.flags |= f

		default:
			f := allFlags[rng.Intn(len(allFlags))]
			if err := tbl.ClrFlag(m.h, f); err != nil {
				t.Fatalf("step %d: ClrFlag: %v", i, err)
			}

			m.flags &^= f
			settle(m)
		}

		if got := tbl.InUse(); got != len(model) {
			t.Fatalf("step %d: InUse = %d, model holds %d", i, got, len(model))
		}
	}

	for _, st := range tbl.Snapshot() {
		m, held := model[st.Index]
		if held != st.InUse {
			t.Errorf("slot %d: in use %t, model %t", st.Index, st.InUse, held)

			continue
		}

		if held && (st.Refs != m.refs || st.Flags != m.flags || st.Gen != m.h.Gen) {
			t.Errorf("slot %d: table %+v, model %+v", st.Index, st, *m)
		}
	}
}
