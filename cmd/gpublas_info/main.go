// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gpublas_info reports what the BLAS would do on a device: its capabilities, the tuning table
// of its chip, the decomposition and kernel selected for a call, and optionally the cache sizes
// measured by the micro-benchmarks.
//
// Examples:
//
//	gpublas_info -table
//	gpublas_info -device="host:chip=Tahiti,vendor=AMD" -kernel=gemm -dtype=float64 -m=1000 -n=1000 -k=500 -transb
//	gpublas_info -probe -plot=latency.png
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gpublas/pkg/blas"
	"github.com/gomlx/gpublas/pkg/core/dtypes"
	"github.com/gomlx/gpublas/pkg/core/kernels"
	"github.com/gomlx/gpublas/pkg/decomp"
	"github.com/gomlx/gpublas/pkg/device"
	"github.com/gomlx/gpublas/pkg/kgen"
	"github.com/gomlx/gpublas/pkg/probe"
	"github.com/gomlx/gpublas/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagDevice = flag.String("device", "",
		fmt.Sprintf("Device configuration, e.g. \"host:workers=4\". Defaults to $%s, or the first registered runtime.",
			device.ConfigEnvVar))
	flagList  = flag.Bool("list", false, "List the registered device runtimes.")
	flagCaps  = flag.Bool("caps", true, "Display the device capabilities.")
	flagTable = flag.Bool("table", false, "Display the tuning table of the device chip. "+
		"Rows taken from the generic table are highlighted.")
	flagTableDTypes = xslices.Flag("table_dtypes", nil,
		"Comma-separated list of dtypes to include in the tuning table. Defaults to all.", dtypes.FromName)

	flagKernel = flag.String("kernel", "", "Describe the decomposition and kernel selected for a call of the "+
		"given family: gemm, trsm, syrk or symm.")
	flagSource = flag.Bool("source", false, "With -kernel, print the generated kernel source.")
	flagDType  = flag.String("dtype", "float32", "DType of the call: float32, float64, complex64 or complex128.")
	flagM      = flag.Int("m", 1024, "Rows of the output (for syrk, the order of the output).")
	flagN      = flag.Int("n", 1024, "Columns of the output.")
	flagK      = flag.Int("k", 1024, "Inner dimension of gemm and syrk.")
	flagTransA = flag.Bool("transa", false, "Operand A is transposed.")
	flagTransB = flag.Bool("transb", false, "Operand B is transposed (gemm only).")
	flagConj   = flag.Bool("conj", false, "Operand A is conjugated (complex dtypes only).")
	flagUpper  = flag.Bool("upper", false, "The triangular, symmetric or output matrix is upper (trsm, syrk, symm).")
	flagRight  = flag.Bool("right", false, "The triangular or symmetric matrix is on the right (trsm, symm).")
	flagUnit   = flag.Bool("unit", false, "The triangular matrix has a unit diagonal (trsm).")

	flagBench = flag.Int("bench", 0, "Run Gemm with the given shape and dtype this number of times, "+
		"and report the timing and the kernel cache statistics.")

	flagProbe = flag.Bool("probe", false, "Measure the L2 and L1 cache sizes with the micro-benchmarks.")
	flagPlot  = flag.String("plot", "", "With -probe, save the measured latency curves to this file (e.g. latency.png).")

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %q. See 'gpublas_info -help'.", flag.Args())
		os.Exit(1)
	}

	if *flagList {
		fmt.Println(titleStyle.Render("Device runtimes"))
		for _, name := range device.List() {
			fmt.Printf("\t%s\n", name)
		}
	}

	cfg, err := blas.ConfigFromEnv()
	if err != nil {
		klog.Errorf("Invalid environment configuration: %+v", err)
		os.Exit(1)
	}
	if *flagDevice != "" {
		cfg.Device = *flagDevice
	}
	session, err := blas.New(cfg)
	if err != nil {
		klog.Errorf("Failed to create BLAS session: %+v", err)
		os.Exit(1)
	}
	defer session.Finalize()

	if err := report(session); err != nil {
		session.Finalize()
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func report(session *blas.Session) error {
	caps := session.Capabilities()
	if *flagCaps {
		fmt.Println(titleStyle.Render("Device " + caps.Name))
		fmt.Println(capabilitiesTable(caps))
	}
	if *flagTable {
		fmt.Println(titleStyle.Render("Tuning table of " + caps.Chip.String()))
		fmt.Println(tuningTable(caps.Chip, *flagTableDTypes))
	}
	if *flagKernel != "" {
		if err := describeKernel(caps); err != nil {
			return err
		}
	}
	if *flagBench > 0 {
		if err := bench(session); err != nil {
			return err
		}
	}
	if *flagProbe {
		if err := measureCaches(session); err != nil {
			return err
		}
	}
	return nil
}

// callShape builds the shape of the call described by the flags.
func callShape() (decomp.CallShape, error) {
	family, found := kernels.FamilyFromName(strings.ToLower(*flagKernel))
	if !found || family == kernels.FamilyProbe {
		return decomp.CallShape{}, errors.Errorf("unknown kernel family %q, valid values are gemm, trsm, syrk and symm", *flagKernel)
	}
	dtype, err := dtypes.FromName(*flagDType)
	if err != nil {
		return decomp.CallShape{}, err
	}
	flags := kernels.NoFlags.
		With(kernels.TransA, *flagTransA).
		With(kernels.TransB, *flagTransB && family == kernels.FamilyGemm).
		With(kernels.ConjA, *flagConj && dtype.IsComplex()).
		With(kernels.Upper, *flagUpper && family != kernels.FamilyGemm).
		With(kernels.SideRight, *flagRight && (family == kernels.FamilyTrsm || family == kernels.FamilySymm)).
		With(kernels.UnitDiag, *flagUnit && family == kernels.FamilyTrsm)
	m, n, k := *flagM, *flagN, *flagK
	if family == kernels.FamilySyrk {
		n = m
	}
	return decomp.CallShape{Family: family, DType: dtype, Flags: flags, M: m, N: n, K: k}, nil
}

// describeKernel prints the decomposition and kernel the BLAS selects for the call of the flags.
func describeKernel(caps probe.Capabilities) error {
	shape, err := callShape()
	if err != nil {
		return err
	}
	d, err := decomp.DefaultDecomposition(shape, caps)
	if err != nil {
		return err
	}
	req := kgen.Request{Family: shape.Family, DType: shape.DType, Dims: d.Subdims(), Granularity: d.Granularity, Flags: d.Flags(shape)}
	if kgen.QuerySize(req) == 0 {
		klog.Warningf("%s is not renderable, using the plain decomposition", d)
		if d, err = decomp.Plain(shape, caps); err != nil {
			return err
		}
		req = kgen.Request{Family: shape.Family, DType: shape.DType, Dims: d.Subdims(), Granularity: d.Granularity, Flags: d.Flags(shape)}
	}
	params, ok := kgen.Effective(req)
	if !ok {
		return errors.Errorf("no kernel template for %s", shape)
	}

	fmt.Println(titleStyle.Render("Kernel for " + shape.String()))
	table := newPlainTable(true, lipgloss.Right, lipgloss.Left)
	table.Headers("Property", "Value")
	table.Row("Call type", d.CallType.String())
	table.Row("Block sizes", d.Sizes.String())
	table.Row("Subproblems", kernels.DimsString(req.Dims))
	table.Row("Granularity", d.Granularity.String())
	table.Row("Index space", d.NDRange(shape).String())
	table.Row("Entry point", kgen.EntryName(req))
	vecLen := fmt.Sprintf("%d", params.VecLen)
	if params.Degraded {
		vecLen = fmt.Sprintf("%d (degraded from %d)", params.VecLen, params.RequestedVecLen)
	}
	table.Row("Vector width", vecLen)
	table.Row("Local memory", yesNo(d.UseLDS))
	table.Row("Flags", params.Flags.String())
	table.Row("Source size", humanize.IBytes(uint64(kgen.QuerySize(req))))
	fmt.Println(table)

	if *flagSource {
		source, _ := kgen.Source(req)
		fmt.Println(titleStyle.Render("Source"))
		fmt.Println(source)
	}
	return nil
}

// bench runs Gemm with the shape and dtype of the flags.
func bench(session *blas.Session) error {
	dtype := must.M1(dtypes.FromName(*flagDType))
	var elapsed time.Duration
	var err error
	switch dtype {
	case dtypes.Float32:
		elapsed, err = benchGemm[float32](session)
	case dtypes.Float64:
		elapsed, err = benchGemm[float64](session)
	case dtypes.Complex64:
		elapsed, err = benchGemm[complex64](session)
	case dtypes.Complex128:
		elapsed, err = benchGemm[complex128](session)
	default:
		return errors.Errorf("dtype %s is not supported by the BLAS", dtype)
	}
	if err != nil {
		return err
	}
	m, n, k := *flagM, *flagN, *flagK
	perCall := elapsed / time.Duration(*flagBench)
	flops := 2 * float64(m) * float64(n) * float64(k) / perCall.Seconds()
	fmt.Println(titleStyle.Render(fmt.Sprintf("Gemm %s %dx%dx%d", dtype, m, n, k)))
	table := newPlainTable(true, lipgloss.Right, lipgloss.Right)
	table.Headers("Measure", "Value")
	table.Row("Calls", humanize.Comma(int64(*flagBench)))
	table.Row("Time per call", perCall.String())
	table.Row("Throughput", humanize.SIWithDigits(flops, 2, "FLOP/s"))
	fmt.Println(table)
	fmt.Println(titleStyle.Render("Kernel cache"))
	fmt.Println(cacheStatsTable(session.CacheStats()))
	return nil
}

func benchGemm[T dtypes.Supported](session *blas.Session) (time.Duration, error) {
	m, n, k := *flagM, *flagN, *flagK
	tA, tB := blas.NoTrans, blas.NoTrans
	rowsA, colsA := m, k
	if *flagTransA {
		tA, rowsA, colsA = blas.Trans, k, m
	}
	rowsB, colsB := k, n
	if *flagTransB {
		tB, rowsB, colsB = blas.Trans, n, k
	}
	a, b, c := randomFlat[T](rowsA*colsA), randomFlat[T](rowsB*colsB), make([]T, m*n)
	start := time.Now()
	for range *flagBench {
		err := blas.Gemm(session, blas.ColMajor, tA, tB, m, n, k, T(1), a, rowsA, b, rowsB, T(0), c, m)
		if err != nil {
			return 0, err
		}
	}
	return time.Since(start), nil
}

// randomFlat returns size values uniformly distributed in [0, 1), in both parts for complex dtypes.
func randomFlat[T dtypes.Supported](size int) []T {
	values := make([]T, size)
	for ii := range values {
		switch p := any(&values[ii]).(type) {
		case *float32:
			*p = rand.Float32()
		case *float64:
			*p = rand.Float64()
		case *complex64:
			*p = complex(rand.Float32(), rand.Float32())
		case *complex128:
			*p = complex(rand.Float64(), rand.Float64())
		}
	}
	return values
}

// measureCaches runs the cache-size micro-benchmarks on the session context, with a progress bar.
func measureCaches(session *blas.Session) error {
	fmt.Println(titleStyle.Render("Cache measurements"))
	pBar := newProgressBar("L2 sweep")
	prober := probe.NewProber(session.Context()).WithProgress(pBar.Update)
	l2, err := prober.MeasureL2()
	l2Curve := latencyCurve{Name: "L2 sweep", Samples: prober.Samples(), Knee: l2}
	if err != nil {
		pBar.Done()
		klog.Warningf("L2 cache size not measured: %v", err)
	}
	pBar.description = "L1 sweep"
	l1, err := prober.MeasureL1(l2)
	l1Curve := latencyCurve{Name: "L1 sweep", Samples: prober.Samples(), Knee: l1}
	pBar.Done()
	if err != nil {
		klog.Warningf("L1 cache size not measured: %v", err)
	}

	table := newPlainTable(true, lipgloss.Right, lipgloss.Right)
	table.Headers("Cache", "Size")
	table.Row("L1", bytesOrUnknown(l1))
	table.Row("L2", bytesOrUnknown(l2))
	fmt.Println(table)
	if klog.V(1).Enabled() {
		fmt.Println(samplesTable(l2Curve.Samples))
		fmt.Println(samplesTable(l1Curve.Samples))
	}

	if *flagPlot != "" {
		title := fmt.Sprintf("Read latency on %s", session.Device().Name())
		if err := plotLatency(*flagPlot, title, l2Curve, l1Curve); err != nil {
			return err
		}
		fmt.Printf("Latency curves saved to %q\n", *flagPlot)
	}
	return nil
}
