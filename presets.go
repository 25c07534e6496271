package bcache

// XV6Config mirrors the classic teaching-kernel buffer cache: 30 buffers over
// 13 buckets, all of them starting in the bucket of block 0.
func XV6Config() Config {
	return Config{
		NumBuffers:   30,
		NumBuckets:   13,
		BlockSize:    1024,
		Hash:         ModHash,
		Distribution: DistributeZeroKey,
		StatsEnabled: true,
	}
}

// StressConfig gives every bucket exactly one buffer, so nearly every miss
// has to steal across buckets.
func StressConfig() Config {
	return Config{
		NumBuffers:   16,
		NumBuckets:   16,
		Hash:         ModHash,
		Distribution: DistributeRoundRobin,
		StatsEnabled: true,
	}
}

func LargeConfig() Config {
	return Config{
		NumBuffers:   4096,
		NumBuckets:   251,
		Hash:         XXHash,
		Distribution: DistributeRoundRobin,
		StatsEnabled: true,
	}
}

func LowOverheadConfig() Config {
	return Config{
		NumBuffers:   64,
		NumBuckets:   7,
		Hash:         ModHash,
		Distribution: DistributeRoundRobin,
		StatsEnabled: false,
	}
}
