package main

import (
	"flag"
	"log"

	"github.com/golang/glog"

	"github.com/sanworks/fwupdate/pkg/backend"
	"github.com/sanworks/fwupdate/pkg/cli/sh"
	"github.com/sanworks/fwupdate/pkg/config"
	"github.com/sanworks/fwupdate/pkg/device"
	"github.com/sanworks/fwupdate/pkg/firmware"
	"github.com/sanworks/fwupdate/pkg/update"
	"github.com/sanworks/fwupdate/pkg/update/report"
)

//go-build: CGO_ENABLED=0

func init() {
	config.SetupFlags()
}

func main() {
	flag.Parse()
	defer glog.Flush()

	conf, err := config.FromFlags()
	if err != nil {
		log.Fatalln(err)
	}

	selector := backend.DefaultSelector(conf.Tycmd.Path, conf.Bossac.Path)
	for _, b := range selector.Backends() {
		var bc config.BackendConfig
		switch b.Kind {
		case backend.KindTycmd:
			bc = conf.Tycmd
		case backend.KindBossac:
			bc = conf.Bossac
		}
		if bc.Timeout > 0 {
			b.Timeout = bc.Timeout.Std()
		}
		if bc.ConfirmWindow != nil {
			b.ConfirmWindow = bc.ConfirmWindow.Std()
		}
	}

	scanner := device.NewScanner()
	scanner.ProbeTimeout = conf.ProbeTimeout.Std()
	if tycmd, err := selector.Select(device.FamilyBpod); err == nil {
		scanner.RawHID = backend.NewTycmdLister(tycmd.Tool)
	}

	catalog, err := firmware.Load(conf.FirmwareDir)
	if err != nil {
		log.Fatalln(err)
	}

	orc := update.New(scanner, catalog, selector)
	orc.Supervisor.EntryRetries = conf.EntryRetries

	reporters := []report.Reporter{report.Log()}
	if conf.BrokerURL != "" {
		pub, err := report.NewMQTTPublisher(conf.BrokerURL)
		if err != nil {
			log.Fatalln(err)
		}
		if err := pub.Connect(); err != nil {
			glog.Warningf("status broker unavailable: %v", err)
		}
		defer pub.Close()
		reporters = append(reporters, pub)
	}
	orc.Supervisor.Reporter = report.Multi(reporters...)

	if err := sh.New(orc, selector).Run(flag.Args()...); err != nil {
		log.Fatalln(err)
	}
}
