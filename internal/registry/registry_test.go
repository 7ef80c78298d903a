package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Skufu/CardioTriage/internal/features"
	"github.com/Skufu/CardioTriage/internal/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `Patient_ID,age,sex,resting_hr,Blood_Pressure (mmHg),qtc_baseline,baseline_lvef,cumulative_dose,Status_Label
P001,34,F,66,118/76,402,64,0,Safe
P002,58,M,84,138/88,468,52,240,Warning
P003,71,M,97,155/95,512,41,420,CRITICAL_STOP
P001,99,M,1,1/1,1,1,1,Critical
P004,45,F,72,bad,410,60,120,Unknown
`

func TestReadCSVGroupsByTier(t *testing.T) {
	reg, err := ReadCSV(strings.NewReader(sample))
	require.NoError(t, err)

	tiers, err := reg.ListIDsByTier(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"P001", "P004"}, tiers[risk.Safe])
	assert.Equal(t, []string{"P002"}, tiers[risk.Warning])
	assert.Equal(t, []string{"P003"}, tiers[risk.Critical])
	assert.Len(t, reg.Patients(), 4)
}

func TestGetReturnsNormalizableFeatures(t *testing.T) {
	reg, err := ReadCSV(strings.NewReader(sample))
	require.NoError(t, err)

	raw, ok, err := reg.Get(context.Background(), "P003")
	require.NoError(t, err)
	require.True(t, ok)

	p := features.Normalize(raw)
	assert.Equal(t, 71.0, p.AgeYears)
	assert.Equal(t, 1.0, p.SexBinary)
	assert.Equal(t, 155.0, p.SystolicBP)
	assert.Equal(t, 95.0, p.DiastolicBP)
	assert.Equal(t, 512.0, p.QTcIntervalMS)
	assert.Equal(t, 420.0, p.CumulativeDose)

	raw, _, _ = reg.Get(context.Background(), "P004")
	p = features.Normalize(raw)
	assert.Equal(t, features.DefaultSystolic, p.SystolicBP)

	_, ok, err = reg.Get(context.Background(), "P999")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetReturnsCopy(t *testing.T) {
	reg, err := ReadCSV(strings.NewReader(sample))
	require.NoError(t, err)
	raw, _, _ := reg.Get(context.Background(), "P001")
	raw["age"] = "1000"
	again, _, _ := reg.Get(context.Background(), "P001")
	assert.Equal(t, "34", again["age"])
}

func TestReadCSVRequiresIDColumn(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("name,age\nx,1\n"))
	assert.Error(t, err)

	_, err = ReadCSV(strings.NewReader(""))
	assert.Error(t, err)
}

func TestLoadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patients.csv")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	reg, err := LoadCSV(path)
	require.NoError(t, err)
	assert.Len(t, reg.Patients(), 4)

	_, err = LoadCSV(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}
