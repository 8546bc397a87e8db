// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// mtlsprobe connects once to an HTTPS or WSS endpoint that requires
// client certificate authentication, selecting the identity through
// the provider the same way an embedding TLS engine would.
package main

import (
	"flag"
	"fmt"
	"os"

	"clientcert-provider/pkg/applog"
	"clientcert-provider/pkg/version"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

var rootCmd = &cobra.Command{
	Use:   "mtlsprobe",
	Short: "Prueba de conexion mTLS con seleccion automatica de certificado",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, err := cmd.Flags().GetString("config")
		if err != nil {
			return err
		}

		c, err := parseConfig(configPath)
		if err != nil {
			return err
		}

		if logPath, err := applog.Init("mtlsprobe"); err != nil {
			klog.Warningf("[Probe] logging persistente no disponible: %v", err)
		} else {
			klog.V(1).Infof("[Probe] log en %s", logPath)
		}
		defer applog.Flush()

		return runProbe(cmd.Context(), c)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Muestra la version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mtlsprobe %s (commit %s, fecha %s)\n",
			version.CurrentVersion, version.BuildCommit, version.BuildDate)
	},
}

func init() {
	// Add verbosity flag from klog.
	klog.InitFlags(flag.CommandLine)
	v := flag.CommandLine.Lookup("v")
	pflag.CommandLine.AddGoFlag(v)

	rootCmd.Flags().String("config", "", "Ruta del fichero de configuracion")
	_ = rootCmd.MarkFlagRequired("config")
	rootCmd.SilenceUsage = true
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		klog.Errorf("[Probe] %v", err)
		applog.Flush()
		os.Exit(1)
	}
}
