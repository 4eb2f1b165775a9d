package proc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrapName(t *testing.T) {
	require.Equal(t, "page-fault", TrapName(14))
	require.Equal(t, "irq0", TrapName(32))
	require.Equal(t, "syscall", TrapName(88))
	require.Equal(t, "unknown", TrapName(999))
}

func TestDumpTrapframeOrderAndValues(t *testing.T) {
	tf := &Trapframe{Eax: 1, Ebx: 2, TrapNo: 14, Eip: 0x1000}
	fields := DumpTrapframe(tf)

	require.Equal(t, "Edi", fields[0].Name)
	require.Equal(t, "Ss", fields[len(fields)-1].Name)

	byName := make(map[string]uint32, len(fields))
	for _, f := range fields {
		byName[f.Name] = f.Value
	}
	require.Equal(t, uint32(1), byName["Eax"])
	require.Equal(t, uint32(2), byName["Ebx"])
	require.Equal(t, uint32(14), byName["TrapNo"])
	require.Equal(t, uint32(0x1000), byName["Eip"])
}
