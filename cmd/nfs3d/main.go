// Command nfs3d serves one directory subtree over NFSv3 + MOUNT3.
//
// Usage:
//
//	nfs3d --exports=/etc/exports --port=2049 --metrics.addr=:9945
package main

import (
	"os"

	nfs3d "github.com/absfs/nfs3d"
	"github.com/absfs/osfs"
	"gopkg.in/alecthomas/kingpin.v2"
)

// crisisExitCode is returned on any unrecoverable initialization
// failure, so supervisors can tell a config/startup failure from a
// crash.
const crisisExitCode = 99

var (
	exportsPath = kingpin.Flag("exports", "Path to an exports(5)-style exports file.").Default("/etc/exports").String()
	root        = kingpin.Flag("root", "Directory to export when --exports is not used.").Default("/srv/nfs").String()
	port        = kingpin.Flag("port", "TCP/UDP port to serve NFS3 and MOUNT3 on.").Default("2049").Int()
	enableUDP   = kingpin.Flag("udp", "Also listen for NFS3/MOUNT3 calls over UDP.").Default("true").Bool()
	usePortmap  = kingpin.Flag("portmapper", "Run an embedded portmapper and register the nfs/mountd services with it.").Default("false").Bool()

	detach     = kingpin.Flag("detach", "Daemonize after startup (handled by the invoking process supervisor; accepted for CLI parity).").Default("false").Bool()
	singleUser = kingpin.Flag("singleuser", "Disable root_squash: every caller keeps its own AUTH_SYS identity.").Default("false").Bool()
	bruteForce = kingpin.Flag("brute-force", "Advertise full ACCESS3 bits regardless of export mode; the backend remains the real authority.").Default("false").Bool()
	readableEx = kingpin.Flag("readable-executables", "Force the readable bit wherever the executable bit is set, for regular files.").Default("false").Bool()

	clusterMode = kingpin.Flag("cluster-mode", "Accept cluster-filesystem CLI parity flags (no cluster-membership concept in this server).").Default("false").Bool()
	clusterPath = kingpin.Flag("cluster-path", "Cluster coordination path, recorded alongside --cluster-mode.").Default("").String()

	logLevel  = kingpin.Flag("log.level", "Minimum log level: debug, info, warn, error.").Default("info").String()
	logOutput = kingpin.Flag("log.output", "Log destination: stderr, stdout, or a file path.").Default("stderr").String()

	metricsAddr = kingpin.Flag("metrics.addr", "Address to serve Prometheus metrics and /healthz on (empty disables).").Default(":9945").String()
	kernelStats = kingpin.Flag("metrics.kernel-nfsd", "Also expose kernel /proc/net/rpc/nfsd counters alongside this server's own metrics.").Default("true").Bool()
	procPath    = kingpin.Flag("procfs.path", "Mount point of /proc, for --metrics.kernel-nfsd.").Default("/proc").String()
)

func main() {
	kingpin.Version(nfs3d.Version)
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := nfs3d.NewGoKitLogger(&nfs3d.LogConfig{Level: *logLevel, Output: *logOutput})

	fs, err := osfs.NewFS()
	if err != nil {
		logger.Error("failed to open backing filesystem", nfs3d.LogField{Key: "err", Value: err})
		os.Exit(crisisExitCode)
	}

	options := nfs3d.ExportOptions{
		ExportsPath:         exportsPathOrEmpty(),
		EnableUDP:           *enableUDP,
		SingleUser:          *singleUser,
		BruteForce:          *bruteForce,
		ReadableExecutables: *readableEx,
		ClusterMode:         *clusterMode,
		ClusterPath:         *clusterPath,
		MetricsAddr:         *metricsAddr,
	}

	server, err := nfs3d.New(fs, options)
	if err != nil {
		logger.Error("failed to initialize server", nfs3d.LogField{Key: "err", Value: err})
		os.Exit(crisisExitCode)
	}

	if *detach {
		logger.Warn("--detach accepted for CLI parity but daemonization is the invoking process supervisor's responsibility")
	}

	if *metricsAddr != "" {
		if *kernelStats {
			server.RegisterKernelNFSdStats(*procPath)
		}
		go func() {
			if err := server.ServeMetrics(*metricsAddr); err != nil {
				logger.Warn("metrics server stopped", nfs3d.LogField{Key: "err", Value: err})
			}
		}()
	}

	if *usePortmap {
		pm := nfs3d.NewPortmapper()
		pm.SetLogger(logger)
		pm.RegisterNFS3Services(uint32(*port), *enableUDP)
		if err := pm.Start(); err != nil {
			logger.Error("failed to start portmapper", nfs3d.LogField{Key: "err", Value: err})
			os.Exit(crisisExitCode)
		}
	}

	logger.Info("starting nfs3d",
		nfs3d.LogField{Key: "port", Value: *port},
		nfs3d.LogField{Key: "exports", Value: *exportsPath},
		nfs3d.LogField{Key: "udp", Value: *enableUDP})

	if err := server.Export(*root, *port); err != nil {
		logger.Error("server exited", nfs3d.LogField{Key: "err", Value: err})
		os.Exit(crisisExitCode)
	}

	select {}
}

func exportsPathOrEmpty() string {
	if _, err := os.Stat(*exportsPath); err != nil {
		return ""
	}
	return *exportsPath
}
