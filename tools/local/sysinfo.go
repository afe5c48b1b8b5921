// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package local

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/voxlink/voxlink/router"
)

// cpuSampleWindow is how long CPU usage is measured.
const cpuSampleWindow = 200 * time.Millisecond

func systemInfo(ctx context.Context, params router.SystemInfo) (router.Result, error) {
	kinds := params.Kinds
	if len(kinds) == 0 {
		kinds = router.InfoKinds
	}
	data := make(map[string]any, len(kinds))
	var summary []string
	for _, kind := range kinds {
		var (
			value any
			line  string
			err   error
		)
		switch kind {
		case "cpu":
			value, line, err = cpuInfo(ctx)
		case "memory":
			value, line, err = memoryInfo(ctx)
		case "disk":
			value, line, err = diskInfo(ctx)
		case "host":
			value, line, err = hostInfo(ctx)
		case "uptime":
			value, line, err = uptimeInfo(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return router.Result{}, ctx.Err()
			}
			return router.Result{}, &router.ToolError{Message: fmt.Sprintf("reading %s information failed", kind), Retryable: true, Err: err}
		}
		data[kind] = value
		summary = append(summary, line)
	}
	return router.Result{Summary: strings.Join(summary, "; "), Data: data}, nil
}

func cpuInfo(ctx context.Context) (any, string, error) {
	percents, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false)
	if err != nil {
		return nil, "", err
	}
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return nil, "", err
	}
	usage := 0.0
	if len(percents) > 0 {
		usage = percents[0]
	}
	value := map[string]any{"usage_percent": usage, "cores": cores}
	return value, fmt.Sprintf("CPU %.0f%% of %d cores", usage, cores), nil
}

func memoryInfo(ctx context.Context) (any, string, error) {
	stat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, "", err
	}
	value := map[string]any{
		"total_bytes":     stat.Total,
		"available_bytes": stat.Available,
		"used_percent":    stat.UsedPercent,
	}
	return value, fmt.Sprintf("memory %.0f%% used", stat.UsedPercent), nil
}

func diskInfo(ctx context.Context) (any, string, error) {
	root := string(os.PathSeparator)
	stat, err := disk.UsageWithContext(ctx, root)
	if err != nil {
		return nil, "", err
	}
	value := map[string]any{
		"path":         root,
		"total_bytes":  stat.Total,
		"free_bytes":   stat.Free,
		"used_percent": stat.UsedPercent,
	}
	return value, fmt.Sprintf("disk %.0f%% used", stat.UsedPercent), nil
}

func hostInfo(ctx context.Context) (any, string, error) {
	stat, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, "", err
	}
	value := map[string]any{
		"hostname":         stat.Hostname,
		"os":               stat.OS,
		"platform":         stat.Platform,
		"platform_version": stat.PlatformVersion,
		"kernel_version":   stat.KernelVersion,
	}
	return value, fmt.Sprintf("%s (%s %s)", stat.Hostname, stat.Platform, stat.PlatformVersion), nil
}

func uptimeInfo(ctx context.Context) (any, string, error) {
	seconds, err := host.UptimeWithContext(ctx)
	if err != nil {
		return nil, "", err
	}
	uptime := time.Duration(seconds) * time.Second
	return map[string]any{"seconds": seconds}, "up " + uptime.String(), nil
}
