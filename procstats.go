package absnfs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs/nfs"
)

// nfsdProcCollector exposes a handful of gauges read from
// /proc/net/rpc/nfsd, the same file and prometheus/procfs/nfs API
// jelmd-node_exporter's nfsdCollector reads. This server implements its
// own userspace RPC dispatch rather than going through the Linux kernel
// NFS server, but the host kernel's NFS client/server counters are
// still useful context when this process is running alongside (or
// instead of) kernel NFS on the same box, so they're exposed as
// supplementary diagnostic gauges rather than duplicated/faked metrics.
type nfsdProcCollector struct {
	fs nfs.FS

	replyCacheDesc *prometheus.Desc
	threadsDesc    *prometheus.Desc
	netDesc        *prometheus.Desc
}

// newNFSdProcCollector opens procPath (normally "/proc") and returns a
// collector, or an error if the kernel nfsd stats file isn't present
// (e.g. not running on Linux, or the nfsd module isn't loaded) — in
// that case the caller simply skips registering it.
func newNFSdProcCollector(procPath string) (*nfsdProcCollector, error) {
	fs, err := nfs.NewFS(procPath)
	if err != nil {
		return nil, err
	}
	if _, err := fs.ServerRPCStats(); err != nil {
		return nil, err
	}
	return &nfsdProcCollector{
		fs: fs,
		replyCacheDesc: prometheus.NewDesc(
			"nfs3d_kernel_nfsd_reply_cache_total",
			"Kernel nfsd reply cache hits/misses/nocache from /proc/net/rpc/nfsd.",
			[]string{"result"}, nil),
		threadsDesc: prometheus.NewDesc(
			"nfs3d_kernel_nfsd_threads",
			"Kernel nfsd thread count from /proc/net/rpc/nfsd.",
			nil, nil),
		netDesc: prometheus.NewDesc(
			"nfs3d_kernel_nfsd_network_packets_total",
			"Kernel nfsd RPC packets received by transport, from /proc/net/rpc/nfsd.",
			[]string{"transport"}, nil),
	}, nil
}

func (c *nfsdProcCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.replyCacheDesc
	ch <- c.threadsDesc
	ch <- c.netDesc
}

func (c *nfsdProcCollector) Collect(ch chan<- prometheus.Metric) {
	stats, err := c.fs.ServerRPCStats()
	if err != nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.replyCacheDesc, prometheus.CounterValue, float64(stats.ReplyCache.Hits), "hit")
	ch <- prometheus.MustNewConstMetric(c.replyCacheDesc, prometheus.CounterValue, float64(stats.ReplyCache.Misses), "miss")
	ch <- prometheus.MustNewConstMetric(c.replyCacheDesc, prometheus.CounterValue, float64(stats.ReplyCache.NoCache), "nocache")
	ch <- prometheus.MustNewConstMetric(c.threadsDesc, prometheus.GaugeValue, float64(stats.Threads.Threads))
	ch <- prometheus.MustNewConstMetric(c.netDesc, prometheus.CounterValue, float64(stats.Network.UDPCount), "udp")
	ch <- prometheus.MustNewConstMetric(c.netDesc, prometheus.CounterValue, float64(stats.Network.TCPCount), "tcp")
}

// RegisterKernelNFSdStats adds the kernel /proc/net/rpc/nfsd diagnostic
// gauges to this server's metrics registry, when available. It is a
// no-op (returning false) on platforms or configurations where the
// kernel NFS server stats file doesn't exist.
func (n *AbsfsNFS) RegisterKernelNFSdStats(procPath string) bool {
	if n.metrics == nil {
		return false
	}
	collector, err := newNFSdProcCollector(procPath)
	if err != nil {
		return false
	}
	return n.metrics.registry.Register(collector) == nil
}
