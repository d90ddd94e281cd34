package trainer

import (
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/dataset"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/diffusion"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/parameters"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/schedule"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/unet"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"
	"math"
	"math/rand/v2"
	"path"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
)

const (
	testChannels = 2
	testSeqLen   = 8
)

func testConfigs() (diffusion.Config, unet.Config) {
	engineConfig := diffusion.DefaultConfig(testSeqLen)
	engineConfig.Timesteps = 10
	engineConfig.Schedule = schedule.KindLinear
	engineConfig.AutoNormalize = true
	netConfig := unet.DefaultConfig(testChannels, dataset.SyntheticCondDim)
	netConfig.Dim = 8
	netConfig.DimMults = []int{1, 2}
	netConfig.ResnetGroups = 4
	netConfig.AttnHeads, netConfig.AttnDimHead = 2, 4
	netConfig.LinearAttnHeads, netConfig.LinearAttnDimHead = 2, 4
	return engineConfig, netConfig
}

func testDataset(withInits bool) *dataset.Dataset {
	d := dataset.Synthetic(16, testChannels, testSeqLen, withInits, rand.New(rand.NewPCG(1, 2)))
	scaler, _ := dataset.FitScaler(d)
	_ = scaler.Transform(d)
	return d
}

func requireFiniteLoss(t *testing.T, loss float32) {
	require.False(t, math.IsNaN(float64(loss)) || math.IsInf(float64(loss), 0), "loss is %g", loss)
	require.Greater(t, loss, float32(0))
}

func TestLearn(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	engineConfig, netConfig := testConfigs()
	trainer, err := New(backend, "", engineConfig, netConfig, parameters.NewFromConfigString("batch_size=4"))
	require.NoError(t, err)
	defer trainer.Finalize()
	require.Equal(t, 4, trainer.BatchSize())
	require.Equal(t, 10, trainer.Engine().Config().Timesteps)

	batcher := dataset.NewBatcher(testDataset(false), trainer.BatchSize(), rand.New(rand.NewPCG(3, 4)))
	for range 3 {
		loss, err := trainer.Learn(batcher.Next())
		require.NoError(t, err)
		requireFiniteLoss(t, loss)
	}
	require.Equal(t, int64(3), trainer.GlobalStep())
	require.Equal(t, 1, trainer.NumCompilations)

	loss, err := trainer.Loss(batcher.Next())
	require.NoError(t, err)
	requireFiniteLoss(t, loss)
	require.Equal(t, 2, trainer.NumCompilations)

	// Batch with initial states, but the network doesn't take them.
	_, err = trainer.Learn(testDataset(true).Batch([]int{0, 1, 2, 3}))
	require.ErrorIs(t, err, diffusion.ErrShapeMismatch)

	trainer.ClearOptimizer()
	require.Equal(t, int64(0), trainer.GlobalStep())

	// Sampling with the weights being trained.
	cond := testDataset(false).Batch([]int{0, 1}).Conds
	samples, err := trainer.NewSampler(1).Sample(cond, nil, diffusion.Guidance{CondScale: 1})
	require.NoError(t, err)
	require.Equal(t, []int{2, testChannels, testSeqLen}, samples.Shape().Dimensions)
	for _, v := range tensors.CopyFlatData[float32](samples) {
		require.False(t, math.IsNaN(float64(v)))
	}
}

func TestFullyConditioned(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	engineConfig, netConfig := testConfigs()
	engineConfig.ClassifierFreeGuidance = true
	netConfig.InitDim = testChannels
	trainer, err := New(backend, "", engineConfig, netConfig, parameters.NewFromConfigString("batch_size=4"))
	require.NoError(t, err)
	defer trainer.Finalize()
	batcher := dataset.NewBatcher(testDataset(true), trainer.BatchSize(), rand.New(rand.NewPCG(3, 4)))
	loss, err := trainer.Learn(batcher.Next())
	require.NoError(t, err)
	requireFiniteLoss(t, loss)

	// Missing initial states.
	_, err = trainer.Learn(testDataset(false).Batch([]int{0, 1, 2, 3}))
	require.ErrorIs(t, err, diffusion.ErrShapeMismatch)
}

func TestCheckpoint(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	dir := path.Join(t.TempDir(), "model")
	engineConfig, netConfig := testConfigs()
	trainer, err := New(backend, dir, engineConfig, netConfig,
		parameters.NewFromConfigString("timesteps=20,objective=pred_noise,batch_size=4,keep=2"))
	require.NoError(t, err)
	require.Equal(t, 20, trainer.Engine().Config().Timesteps)
	require.Equal(t, diffusion.PredNoise, trainer.Engine().Config().Objective)
	batcher := dataset.NewBatcher(testDataset(false), trainer.BatchSize(), rand.New(rand.NewPCG(3, 4)))
	_, err = trainer.Learn(batcher.Next())
	require.NoError(t, err)
	require.NoError(t, trainer.Save())
	trainer.Finalize()

	// Configuration given is ignored: the one from the checkpoint is used.
	engineConfig.Timesteps = 100
	loaded, err := New(backend, dir, engineConfig, netConfig, parameters.Params{})
	require.NoError(t, err)
	defer loaded.Finalize()
	require.Equal(t, 20, loaded.Engine().Config().Timesteps)
	require.Equal(t, diffusion.PredNoise, loaded.Engine().Config().Objective)
	require.Equal(t, 4, loaded.BatchSize())
	require.Equal(t, int64(1), loaded.GlobalStep())
	require.Equal(t, netConfig.Dim, loaded.Net().Config().Dim)
}

func TestNewErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	engineConfig, netConfig := testConfigs()

	_, err := New(backend, "", engineConfig, netConfig, parameters.NewFromConfigString("no_such_param=1"))
	require.Error(t, err)

	_, err = New(backend, "", engineConfig, netConfig, parameters.NewFromConfigString("objective=pred_x"))
	require.ErrorIs(t, err, diffusion.ErrConfiguration)

	// Sequence length not a multiple of 2^(len(dim_mults)-1).
	_, err = New(backend, "", engineConfig, netConfig, parameters.NewFromConfigString("seq_length=7"))
	require.ErrorIs(t, err, diffusion.ErrConfiguration)

	_, err = New(backend, "-help", engineConfig, netConfig, parameters.Params{})
	require.ErrorIs(t, err, ErrHelpRequested)
}
